// Package buntdb provides the lock.Table persisted in a BuntDB file
// (https://github.com/tidwall/buntdb). BuntDB serializes the writable
// transactions, which makes the conditional insert atomic, but only the
// processes sharing one Table instance are serialized. The backend is meant
// for the single-process setups and the tests, where the durability of the
// lock rows matters but a database server is too much.
package buntdb

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/acquirecloud/dblock/golibs/cast"
	"github.com/acquirecloud/dblock/golibs/errors"
	"github.com/acquirecloud/dblock/golibs/logging"
	"github.com/acquirecloud/dblock/pkg/lock"
	"github.com/tidwall/buntdb"
)

type (
	// Config specifies the settings of the BuntDB-backed lock table
	Config struct {
		// DBFilePath specifies path to the DB file
		// if empty the in-mem version is used
		DBFilePath string
	}

	// Table is the lock rows storage, implements the lock.Table interface
	Table struct {
		cfg    *Config
		db     *buntdb.DB
		logger logging.Logger
	}
)

const (
	rowKeyPrefix = "row:"
	seqKey       = "seq"
	lockKeyIndex = "lockKey"
)

var _ lock.Table = (*Table)(nil)

// NewTable creates the new lock rows storage based on BuntDB
func NewTable(cfg Config) *Table {
	return &Table{cfg: &cfg}
}

// Init implements linker.Initializer
func (t *Table) Init(ctx context.Context) error {
	path := t.cfg.DBFilePath
	if len(path) == 0 {
		path = ":memory:"
	}

	t.logger = logging.NewLogger("buntdb.Table")
	t.logger.Infof("Initializing with dbFilePath=%s", path)

	var err error
	t.db, err = buntdb.Open(path)
	if err != nil {
		return fmt.Errorf("buntdb.Open(%s) failed: %w", path, err)
	}
	return t.ensureIndex()
}

// Shutdown implements linker.Shutdowner
func (t *Table) Shutdown() {
	t.logger.Infof("Shutting down...")
	if t.db != nil {
		_ = t.db.Close()
	}
}

// Install is part of lock.Table
func (t *Table) Install(ctx context.Context) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	return t.ensureIndex()
}

// InsertIfFree is part of lock.Table
func (t *Table) InsertIfFree(ctx context.Context, r lock.Record, now int64) (int64, error) {
	if err := t.checkOpen(); err != nil {
		return 0, err
	}
	floor := lock.ConflictLevel(r.Level)
	var id int64
	err := t.db.Update(func(tx *buntdb.Tx) error {
		conflict := false
		pivot := fmt.Sprintf(`{"lockKey":%q}`, r.LockKey)
		err := tx.AscendEqual(lockKeyIndex, pivot, func(key, val string) bool {
			er := mustUnmarshal(val)
			if er.Level >= floor && !er.Expired(now) {
				conflict = true
				return false
			}
			return true
		})
		if err != nil {
			return fmt.Errorf("the conflict scan for %s failed: %w", r.LockKey, err)
		}
		if conflict {
			return errors.ErrExist
		}

		id, err = nextID(tx)
		if err != nil {
			return err
		}
		r.ID = id
		if _, _, err = tx.Set(rowKey(id), mustMarshal(r), nil); err != nil {
			return fmt.Errorf("tx.Set(%s) failed: %w", rowKey(id), err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// DeleteByID is part of lock.Table
func (t *Table) DeleteByID(ctx context.Context, id int64) (bool, error) {
	if err := t.checkOpen(); err != nil {
		return false, err
	}
	found := true
	err := t.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(rowKey(id))
		if errors.Is(err, buntdb.ErrNotFound) {
			found = false
			return nil
		}
		return err
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// DeleteByIDs is part of lock.Table
func (t *Table) DeleteByIDs(ctx context.Context, ids []int64) (int64, error) {
	if err := t.checkOpen(); err != nil {
		return 0, err
	}
	var deleted int64
	err := t.db.Update(func(tx *buntdb.Tx) error {
		for _, id := range ids {
			_, err := tx.Delete(rowKey(id))
			if errors.Is(err, buntdb.ErrNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("tx.Delete(%s) failed: %w", rowKey(id), err)
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// ExistsAtLeast is part of lock.Table
func (t *Table) ExistsAtLeast(ctx context.Context, lockKey string, minLevel lock.Level, now int64) (bool, error) {
	if err := t.checkOpen(); err != nil {
		return false, err
	}
	res := false
	err := t.db.View(func(tx *buntdb.Tx) error {
		pivot := fmt.Sprintf(`{"lockKey":%q}`, lockKey)
		return tx.AscendEqual(lockKeyIndex, pivot, func(key, val string) bool {
			r := mustUnmarshal(val)
			if r.Level >= minLevel && !r.Expired(now) {
				res = true
				return false
			}
			return true
		})
	})
	return res, err
}

// Expired is part of lock.Table
func (t *Table) Expired(ctx context.Context, lockKey string, now int64) ([]lock.Record, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	var res []lock.Record
	err := t.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(rowKeyPrefix+"*", func(key, val string) bool {
			r := mustUnmarshal(val)
			if r.Expired(now) && (lockKey == "" || r.LockKey == lockKey) {
				res = append(res, r)
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// List is part of lock.Table. The zero-padded row keys keep the iteration
// order the same as the id order.
func (t *Table) List(ctx context.Context) ([]lock.Record, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	var res []lock.Record
	err := t.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(rowKeyPrefix+"*", func(key, val string) bool {
			res = append(res, mustUnmarshal(val))
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ConnID is part of lock.Table. The embedded database has no connections.
func (t *Table) ConnID(ctx context.Context) (*int64, error) {
	return nil, nil
}

// ActiveConns is part of lock.Table
func (t *Table) ActiveConns(ctx context.Context) (map[int64]struct{}, error) {
	return map[int64]struct{}{}, nil
}

func (t *Table) checkOpen() error {
	if t.db == nil {
		return fmt.Errorf("the storage is not initialized yet: %w", errors.ErrClosed)
	}
	return nil
}

func (t *Table) ensureIndex() error {
	err := t.db.CreateIndex(lockKeyIndex, rowKeyPrefix+"*", buntdb.IndexJSON("lockKey"))
	if err != nil && !errors.Is(err, buntdb.ErrIndexExists) {
		return fmt.Errorf("could not create the lockKey index: %w", err)
	}
	return nil
}

func nextID(tx *buntdb.Tx) (int64, error) {
	var id int64 = 1
	val, err := tx.Get(seqKey)
	if err == nil {
		prev, perr := strconv.ParseInt(val, 10, 64)
		if perr != nil {
			return 0, fmt.Errorf("the id sequence value %q is broken: %w", val, perr)
		}
		id = prev + 1
	} else if !errors.Is(err, buntdb.ErrNotFound) {
		return 0, fmt.Errorf("tx.Get(%s) failed: %w", seqKey, err)
	}
	if _, _, err = tx.Set(seqKey, strconv.FormatInt(id, 10), nil); err != nil {
		return 0, fmt.Errorf("tx.Set(%s) failed: %w", seqKey, err)
	}
	return id, nil
}

func rowKey(id int64) string {
	return fmt.Sprintf("%s%020d", rowKeyPrefix, id)
}

func mustMarshal(r lock.Record) string {
	bytes, err := json.Marshal(r)
	if err != nil {
		panic(fmt.Errorf("mustMarshal() failed: %v", err))
	}
	return cast.ByteArrayToString(bytes)
}

func mustUnmarshal(val string) lock.Record {
	var r lock.Record
	if err := json.Unmarshal(cast.StringToByteArray(val), &r); err != nil {
		panic(fmt.Errorf("mustUnmarshal() failed: %v", err))
	}
	return r
}
