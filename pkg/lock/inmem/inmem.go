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

// Package inmem provides the in-memory lock.Table. The table lives in the
// process memory, so it serializes the goroutines of one process only. It is
// mostly useful in tests and as the reference implementation of the Table
// contract.
package inmem

import (
	"context"
	"sort"
	"sync"

	"github.com/acquirecloud/dblock/golibs/errors"
	"github.com/acquirecloud/dblock/pkg/lock"
)

type table struct {
	// connsF, if not nil, reports the currently active connection ids.
	// The in-memory datastore has no connections of its own, the hook
	// exists for the tests of the cid-based ghost detection.
	connsF func() map[int64]struct{}

	lock   sync.Mutex
	nextID int64
	rows   map[int64]lock.Record
}

var _ lock.Table = (*table)(nil)

// New creates the in-memory lock.Table
func New() lock.Table {
	return &table{rows: make(map[int64]lock.Record)}
}

// NewWithConns creates the in-memory lock.Table whose ActiveConns result is
// produced by the function f
func NewWithConns(f func() map[int64]struct{}) lock.Table {
	return &table{rows: make(map[int64]lock.Record), connsF: f}
}

// Install is part of lock.Table
func (t *table) Install(ctx context.Context) error {
	return nil
}

// InsertIfFree is part of lock.Table
func (t *table) InsertIfFree(ctx context.Context, r lock.Record, now int64) (int64, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	floor := lock.ConflictLevel(r.Level)
	for _, er := range t.rows {
		if er.LockKey == r.LockKey && er.Level >= floor && !er.Expired(now) {
			return 0, errors.ErrExist
		}
	}
	t.nextID++
	r.ID = t.nextID
	t.rows[r.ID] = r
	return r.ID, nil
}

// DeleteByID is part of lock.Table
func (t *table) DeleteByID(ctx context.Context, id int64) (bool, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if _, ok := t.rows[id]; !ok {
		return false, nil
	}
	delete(t.rows, id)
	return true, nil
}

// DeleteByIDs is part of lock.Table
func (t *table) DeleteByIDs(ctx context.Context, ids []int64) (int64, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	var n int64
	for _, id := range ids {
		if _, ok := t.rows[id]; ok {
			delete(t.rows, id)
			n++
		}
	}
	return n, nil
}

// ExistsAtLeast is part of lock.Table
func (t *table) ExistsAtLeast(ctx context.Context, lockKey string, minLevel lock.Level, now int64) (bool, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	for _, r := range t.rows {
		if r.LockKey == lockKey && r.Level >= minLevel && !r.Expired(now) {
			return true, nil
		}
	}
	return false, nil
}

// Expired is part of lock.Table
func (t *table) Expired(ctx context.Context, lockKey string, now int64) ([]lock.Record, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	var res []lock.Record
	for _, r := range t.rows {
		if r.Expired(now) && (lockKey == "" || r.LockKey == lockKey) {
			res = append(res, r)
		}
	}
	sortByID(res)
	return res, nil
}

// List is part of lock.Table
func (t *table) List(ctx context.Context) ([]lock.Record, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	res := make([]lock.Record, 0, len(t.rows))
	for _, r := range t.rows {
		res = append(res, r)
	}
	sortByID(res)
	return res, nil
}

// ConnID is part of lock.Table. The in-memory datastore has no connections.
func (t *table) ConnID(ctx context.Context) (*int64, error) {
	return nil, nil
}

// ActiveConns is part of lock.Table
func (t *table) ActiveConns(ctx context.Context) (map[int64]struct{}, error) {
	if t.connsF != nil {
		return t.connsF(), nil
	}
	return map[int64]struct{}{}, nil
}

func sortByID(recs []lock.Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
}
