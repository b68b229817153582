// Copyright 2024 The acquirecloud Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pg provides the lock.Table on top of a PostgreSQL table. This is
// the backend for the real cross-process and cross-host setups. The
// conditional insert runs as an INSERT .. SELECT .. WHERE NOT EXISTS
// statement inside a short transaction that holds a per-key advisory lock,
// which makes the conflict check and the write effectively atomic under the
// default READ COMMITTED isolation. The backend also supplies both liveness
// oracles: the backend
// pid of the session is recorded with every row (see ConnID), and
// pg_stat_activity tells which of the recorded sessions are still around.
package pg

import (
	"context"
	"fmt"
	"regexp"

	"github.com/acquirecloud/dblock/golibs/errors"
	"github.com/acquirecloud/dblock/golibs/logging"
	"github.com/acquirecloud/dblock/pkg/lock"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type (
	// Config defines the PostgreSQL table settings
	Config struct {
		// DSN is the connection string of the database, used when the pool
		// is not injected
		DSN string
		// Table is the name of the lock table, "dblock" if empty
		Table string
	}

	// Table is the lock rows storage, implements the lock.Table interface
	Table struct {
		// Pool is the pgx connection pool the storage talks through
		Pool *pgxpool.Pool `inject:""`

		cfg     Config
		logger  logging.Logger
		ownPool bool
	}
)

const (
	defaultTable = "dblock"

	pgErrCodeUndefinedTable     = "42P01"
	pgErrCodeUniqueViolation    = "23505"
	pgErrCodeSerializationFail  = "40001"
	pgErrCodeDeadlockDetected   = "40P01"
	pgErrCodeDuplicateTable     = "42P07"
	pgErrCodeUniqueObjectExists = "42710"
)

// the table name ends up in the SQL text, so it is restricted to a plain identifier
var tableNameRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

var _ lock.Table = (*Table)(nil)

// NewTable creates the new lock rows storage for the cfg provided. The pool
// is built from cfg.DSN on Init unless it is injected before that.
func NewTable(cfg Config) (*Table, error) {
	if cfg.Table == "" {
		cfg.Table = defaultTable
	}
	if !tableNameRE.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid table name %q: %w", cfg.Table, errors.ErrInvalid)
	}
	return &Table{cfg: cfg, logger: logging.NewLogger("pg.Table")}, nil
}

// NewTableWithPool creates the new lock rows storage over the existing pool
func NewTableWithPool(cfg Config, pool *pgxpool.Pool) (*Table, error) {
	t, err := NewTable(cfg)
	if err != nil {
		return nil, err
	}
	t.Pool = pool
	return t, nil
}

// Init implements linker.Initializer
func (t *Table) Init(ctx context.Context) error {
	if t.Pool == nil {
		t.logger.Infof("Initializing with dsn provided, table=%s", t.cfg.Table)
		pool, err := pgxpool.New(ctx, t.cfg.DSN)
		if err != nil {
			return fmt.Errorf("could not create the connection pool: %w", err)
		}
		if err = pool.Ping(ctx); err != nil {
			pool.Close()
			return fmt.Errorf("could not ping the database: %w", err)
		}
		t.Pool = pool
		t.ownPool = true
	} else {
		t.logger.Infof("Initializing with the injected pool, table=%s", t.cfg.Table)
	}
	return t.Install(ctx)
}

// Shutdown implements linker.Shutdowner
func (t *Table) Shutdown() {
	t.logger.Infof("Shutting down...")
	if t.ownPool && t.Pool != nil {
		t.Pool.Close()
	}
}

// Install is part of lock.Table. The statements run one by one, the extended
// protocol does not take multi-statement strings.
func (t *Table) Install(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			lock_key CHAR(44) NOT NULL,
			resource TEXT NOT NULL,
			level SMALLINT NOT NULL,
			pid BIGINT,
			cid BIGINT,
			expire BIGINT NOT NULL DEFAULT 0
		)`, t.cfg.Table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_lock_key ON %s (lock_key, level)`, t.cfg.Table, t.cfg.Table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_expire ON %s (expire)`, t.cfg.Table, t.cfg.Table),
	}
	for _, stmt := range stmts {
		if _, err := t.Pool.Exec(ctx, stmt); err != nil {
			// concurrent installs race on the catalog, the loser is fine too
			if code := pgCode(err); code == pgErrCodeDuplicateTable || code == pgErrCodeUniqueObjectExists || code == pgErrCodeUniqueViolation {
				continue
			}
			return fmt.Errorf("could not install the lock table %s: %w", t.cfg.Table, err)
		}
	}
	return nil
}

// InsertIfFree is part of lock.Table. The conflict check and the insert run
// in one transaction that first takes a transaction-scoped advisory lock on
// the lock_key. Under READ COMMITTED two sessions that run the conditional
// insert bare can both miss each other's uncommitted row and both insert, so
// the advisory lock serializes the writers of one key. It is released by the
// database at commit or rollback, writers of other keys are not affected.
func (t *Table) InsertIfFree(ctx context.Context, r lock.Record, now int64) (int64, error) {
	query := fmt.Sprintf(`INSERT INTO %s (lock_key, resource, level, pid, cid, expire)
		SELECT $1, $2, $3, $4, $5, $6
		WHERE NOT EXISTS (
			SELECT 1 FROM %s WHERE lock_key = $1 AND level >= $7 AND (expire = 0 OR expire >= $8)
		)
		RETURNING id`, t.cfg.Table, t.cfg.Table)

	tx, err := t.Pool.Begin(ctx)
	if err != nil {
		return 0, mapInsertErr(err)
	}
	defer tx.Rollback(ctx)

	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, r.LockKey); err != nil {
		return 0, mapInsertErr(err)
	}
	var id int64
	if err = tx.QueryRow(ctx, query, r.LockKey, r.Resource, int16(r.Level), r.PID, r.CID,
		r.ExpiresAt, int16(lock.ConflictLevel(r.Level)), now).Scan(&id); err != nil {
		return 0, mapInsertErr(err)
	}
	if err = tx.Commit(ctx); err != nil {
		return 0, mapInsertErr(err)
	}
	return id, nil
}

// DeleteByID is part of lock.Table
func (t *Table) DeleteByID(ctx context.Context, id int64) (bool, error) {
	res, err := t.Pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, t.cfg.Table), id)
	if err != nil {
		return false, fmt.Errorf("could not delete the row id=%d: %w", id, err)
	}
	return res.RowsAffected() > 0, nil
}

// DeleteByIDs is part of lock.Table
func (t *Table) DeleteByIDs(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := t.Pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, t.cfg.Table), ids)
	if err != nil {
		return 0, fmt.Errorf("could not delete %d row(s): %w", len(ids), err)
	}
	return res.RowsAffected(), nil
}

// ExistsAtLeast is part of lock.Table
func (t *Table) ExistsAtLeast(ctx context.Context, lockKey string, minLevel lock.Level, now int64) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS (
		SELECT 1 FROM %s WHERE lock_key = $1 AND level >= $2 AND (expire = 0 OR expire >= $3)
	)`, t.cfg.Table)
	var res bool
	if err := t.Pool.QueryRow(ctx, query, lockKey, int16(minLevel), now).Scan(&res); err != nil {
		return false, mapTableErr(err)
	}
	return res, nil
}

// Expired is part of lock.Table
func (t *Table) Expired(ctx context.Context, lockKey string, now int64) ([]lock.Record, error) {
	query := fmt.Sprintf(`SELECT id, lock_key, resource, level, pid, cid, expire FROM %s
		WHERE expire != 0 AND expire <= $1 AND ($2 = '' OR lock_key = $2) ORDER BY id`, t.cfg.Table)
	rows, err := t.Pool.Query(ctx, query, now, lockKey)
	if err != nil {
		return nil, mapTableErr(err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// List is part of lock.Table
func (t *Table) List(ctx context.Context) ([]lock.Record, error) {
	query := fmt.Sprintf(`SELECT id, lock_key, resource, level, pid, cid, expire FROM %s ORDER BY id`, t.cfg.Table)
	rows, err := t.Pool.Query(ctx, query)
	if err != nil {
		return nil, mapTableErr(err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ConnID is part of lock.Table. The result identifies the server session the
// pool picked for the call, which is also the session the pooled INSERT of
// the same caller will most likely run on. The identity is best-effort by
// nature, the ghost detection compensates by staying conservative.
func (t *Table) ConnID(ctx context.Context) (*int64, error) {
	var cid int64
	if err := t.Pool.QueryRow(ctx, `SELECT pg_backend_pid()`).Scan(&cid); err != nil {
		return nil, fmt.Errorf("could not get the backend pid: %w", err)
	}
	return &cid, nil
}

// ActiveConns is part of lock.Table
func (t *Table) ActiveConns(ctx context.Context) (map[int64]struct{}, error) {
	rows, err := t.Pool.Query(ctx, `SELECT pid FROM pg_stat_activity WHERE pid IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("could not query pg_stat_activity: %w", err)
	}
	defer rows.Close()
	res := make(map[int64]struct{})
	for rows.Next() {
		var pid int64
		if err = rows.Scan(&pid); err != nil {
			return nil, fmt.Errorf("could not scan the backend pid: %w", err)
		}
		res[pid] = struct{}{}
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("could not read pg_stat_activity: %w", err)
	}
	return res, nil
}

func scanRecords(rows pgx.Rows) ([]lock.Record, error) {
	var res []lock.Record
	for rows.Next() {
		var r lock.Record
		var level int16
		if err := rows.Scan(&r.ID, &r.LockKey, &r.Resource, &level, &r.PID, &r.CID, &r.ExpiresAt); err != nil {
			return nil, fmt.Errorf("could not scan the lock record: %w", err)
		}
		r.Level = lock.Level(level)
		res = append(res, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("could not read the lock records: %w", err)
	}
	return res, nil
}

// mapInsertErr translates the database failures of the conditional insert to
// the lock.Table contract: no row returned means a conflict, the transient
// contention failures count as conflicts too (the caller retries anyway), and
// the undefined-table code asks for the install.
func mapInsertErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.ErrExist
	}
	switch pgCode(err) {
	case pgErrCodeUndefinedTable:
		return errors.ErrNotExist
	case pgErrCodeSerializationFail, pgErrCodeDeadlockDetected, pgErrCodeUniqueViolation:
		return errors.ErrExist
	}
	return err
}

func mapTableErr(err error) error {
	if pgCode(err) == pgErrCodeUndefinedTable {
		return errors.ErrNotExist
	}
	return err
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
