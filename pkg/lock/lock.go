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
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/acquirecloud/dblock/golibs/cast"
	"github.com/acquirecloud/dblock/golibs/strutil"
)

type (
	// Level defines the lock exclusivity level. The higher the level is,
	// the more exclusive the lock is.
	Level int32

	// Record describes one persisted lock grant - a row in the lock table.
	// Records are immutable, once inserted a record may only be deleted,
	// either by the exact id on release, or by the ghost collection.
	Record struct {
		// ID is the unique identifier of the grant, assigned by the datastore
		ID int64 `json:"id"`
		// LockKey is the fixed-length digest of the resource identifier,
		// used for the equality lookups and indexing
		LockKey string `json:"lockKey"`
		// Resource is the human-readable resource identifier, kept for diagnostics
		Resource string `json:"resource"`
		// Level is the lock level the grant was taken on
		Level Level `json:"level"`
		// PID is the OS process identifier of the holder, if known
		PID *int64 `json:"pid,omitempty"`
		// CID is the datastore connection identifier of the holder, if known
		CID *int64 `json:"cid,omitempty"`
		// ExpiresAt is the absolute expiration timestamp (unix seconds).
		// The zero value means the grant never expires on its own.
		ExpiresAt int64 `json:"expire"`
	}

	// Manager provides the lock operations over a set of named resources.
	// All the operations report their results as booleans, the datastore
	// errors are recovered internally (see Acquire) and never propagated
	// to the caller.
	Manager interface {
		// Acquire obtains the lock for the resource on the level provided. If
		// blocking is true, the call spins until the lock is granted or the ctx
		// is closed, otherwise it gives up after one attempt (plus one ghost
		// sweep). The expiration limits how long the granted lock may live
		// without a release, 0 means no auto-expiration.
		Acquire(ctx context.Context, resource string, level Level, blocking bool, expiration time.Duration) bool

		// Release removes the lock row this Manager instance acquired for the
		// resource. It returns false if the instance holds no grant for it.
		Release(ctx context.Context, resource string) bool

		// Exists reports whether at least one unexpired grant of the level
		// minLevel or higher exists for the resource
		Exists(ctx context.Context, resource string, minLevel Level) bool

		// Ghosts returns the ghost records for the resource - the expired
		// grants whose holders are not observably alive anymore. The empty
		// resource matches the grants of all the resources.
		Ghosts(ctx context.Context, resource string) ([]Record, error)

		// DropGhosts removes the ghost records for the resource (all the
		// resources if it is empty) and reports whether anything was removed
		DropGhosts(ctx context.Context, resource string) bool

		// Scan returns the current lock records whose resource identifiers
		// match the glob pattern provided. Diagnostics only, the result is a
		// snapshot and may be stale by the time it is observed.
		Scan(ctx context.Context, pattern string) ([]Record, error)
	}

	// Table is the datastore client capability the Manager algorithm runs on.
	// An implementation turns a durable table-like structure into the small
	// set of row operations below. The only hard requirement is InsertIfFree:
	// its conflict check and the insert MUST be evaluated and committed
	// atomically by the datastore, this is the mutual-exclusion primitive of
	// the whole system.
	Table interface {
		// Install creates the backing structure if it does not exist yet.
		// It must be idempotent and tolerate concurrent invocations.
		Install(ctx context.Context) error

		// InsertIfFree inserts the record r if no existing unexpired record
		// for the same LockKey has the level ConflictLevel(r.Level) or higher.
		// now is the timestamp (unix seconds) the expiration is checked against.
		// It returns the new record id on success, errors.ErrExist if a
		// conflicting record exists (or the datastore reported a transient
		// contention), and errors.ErrNotExist if the backing structure is not
		// installed yet.
		InsertIfFree(ctx context.Context, r Record, now int64) (int64, error)

		// DeleteByID removes the record by its exact id, reporting whether
		// the record existed
		DeleteByID(ctx context.Context, id int64) (bool, error)

		// DeleteByIDs removes the records by their ids in one operation and
		// returns the number of the removed records
		DeleteByIDs(ctx context.Context, ids []int64) (int64, error)

		// ExistsAtLeast reports whether an unexpired record with the level
		// minLevel or higher exists for the lockKey
		ExistsAtLeast(ctx context.Context, lockKey string, minLevel Level, now int64) (bool, error)

		// Expired returns the records which are expired at the moment now.
		// The empty lockKey matches all the records.
		Expired(ctx context.Context, lockKey string, now int64) ([]Record, error)

		// List returns all the current records ordered by id
		List(ctx context.Context) ([]Record, error)

		// ConnID returns the identifier of the datastore connection the caller
		// talks through, or nil if the datastore has no connection identity
		ConnID(ctx context.Context) (*int64, error)

		// ActiveConns returns the set of the currently active connection
		// identifiers of the datastore (the connection-liveness oracle)
		ActiveConns(ctx context.Context) (map[int64]struct{}, error)
	}

	// ProcessOracle reports the observable liveness of OS processes
	ProcessOracle interface {
		// Alive returns whether the process pid currently exists
		Alive(pid int64) bool
	}
)

const (
	// Read is the shared lock level, Read grants may coexist with each other
	Read Level = 1
	// Write is the exclusive lock level, a Write grant conflicts with everything
	Write Level = 2
)

// String implements fmt.Stringer
func (l Level) String() string {
	switch l {
	case Read:
		return "READ"
	case Write:
		return "WRITE"
	}
	return fmt.Sprintf("Level(%d)", int32(l))
}

func (l Level) valid() bool {
	return l == Read || l == Write
}

// ConflictLevel returns the lowest level an existing unexpired record must
// have to conflict with a new grant requested on the level l: a READ request
// conflicts with WRITE records only, a WRITE request conflicts with any record.
func ConflictLevel(l Level) Level {
	return Read + Write - l
}

// KeyOf returns the lock key - the fixed-length, collision-resistant digest
// of the resource identifier. Same resource always maps to the same key.
func KeyOf(resource string) string {
	h, err := strutil.NewSha256ForData(cast.StringToByteArray(resource))
	if err != nil {
		panic(fmt.Sprintf("could not build the lock key for %q: %v", resource, err))
	}
	return h.String()
}

// Expired reports whether the record expiration has passed at the moment now
func (r Record) Expired(now int64) bool {
	return r.ExpiresAt != 0 && r.ExpiresAt <= now
}

// String implements fmt.Stringer
func (r Record) String() string {
	return fmt.Sprintf("{id: %d, resource: %q, level: %s, pid: %d, cid: %d, expire: %d}",
		r.ID, r.Resource, r.Level, cast.Int64(r.PID, -1), cast.Int64(r.CID, -1), r.ExpiresAt)
}
