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
	"os"
	"sync"
	"time"

	context2 "github.com/acquirecloud/dblock/golibs/context"
	"github.com/acquirecloud/dblock/golibs/errors"
	"github.com/acquirecloud/dblock/golibs/logging"
	"github.com/gobwas/glob"
)

// manager implements Manager over a Table. One instance is expected per host
// process, its handle map remembers which rows the process inserted, so
// Release removes exactly the rows this process created and never touches
// the grants of the other processes.
type manager struct {
	// Table is the datastore client the locking algorithm runs on
	Table Table `inject:""`

	// Procs is the process-liveness oracle used by the ghost detection.
	// When it is nil the records owned by a pid are never reclaimed.
	Procs ProcessOracle

	// SpinDelay is the pause between the acquisition attempts in the
	// blocking mode. There is no backoff, the lock hold times are expected
	// to be short.
	SpinDelay time.Duration

	logger  logging.Logger
	lock    sync.Mutex
	handles map[string]int64
}

const defaultSpinDelay = 5 * time.Millisecond

var _ Manager = (*manager)(nil)

// NewManager creates a new manager instance. The Table field must be set
// before use, either directly or via the linker injection.
func NewManager() *manager {
	m := new(manager)
	m.Procs = OSProcesses()
	m.SpinDelay = defaultSpinDelay
	m.handles = make(map[string]int64)
	m.logger = logging.NewLogger("lock.Manager")
	return m
}

// NewManagerFor returns the Manager over the table t. Prefer NewManager()
// and the linker wiring when the manager lives in a component container.
func NewManagerFor(t Table) Manager {
	m := NewManager()
	m.Table = t
	return m
}

// Acquire is part of Manager. It builds the new lock record and asks the
// table to insert it atomically if no conflicting record exists. On a
// conflict it sweeps the ghosts for the resource and either retries
// immediately (the sweep removed something, so there may be room now),
// gives up (non-blocking), or spins with a fixed short delay.
//
// The very first attempt may fail because the backing table is not installed
// yet. This one failure is not logged, the table is installed and the attempt
// is repeated once. Any other datastore failure makes Acquire return false.
func (m *manager) Acquire(ctx context.Context, resource string, level Level, blocking bool, expiration time.Duration) bool {
	if !level.valid() || resource == "" {
		m.logger.Errorf("Acquire(): invalid arguments resource=%q, level=%d", resource, level)
		return false
	}
	key := KeyOf(resource)
	pid := int64(os.Getpid())
	cid, err := m.Table.ConnID(ctx)
	if err != nil {
		m.logger.Debugf("Acquire(%s): no connection identity: %v", resource, err)
		cid = nil
	}

	installed := false
	for {
		now := time.Now().Unix()
		r := Record{LockKey: key, Resource: resource, Level: level, PID: &pid, CID: cid}
		if expiration > 0 {
			r.ExpiresAt = now + int64(expiration/time.Second)
		}

		id, err := m.Table.InsertIfFree(ctx, r, now)
		if err == nil {
			m.lock.Lock()
			m.handles[key] = id
			m.lock.Unlock()
			return true
		}

		if errors.Is(err, errors.ErrNotExist) {
			if installed {
				m.logger.Errorf("Acquire(%s): the lock table is still not available after install: %v", resource, err)
				return false
			}
			installed = true
			if err = m.Table.Install(ctx); err != nil {
				m.logger.Errorf("Acquire(%s): could not install the lock table: %v", resource, err)
				return false
			}
			continue
		}

		if !errors.Is(err, errors.ErrExist) {
			m.logger.Warnf("Acquire(%s): unexpected datastore error: %v", resource, err)
			return false
		}

		// a conflicting grant exists, maybe its holder is dead
		if m.DropGhosts(ctx, resource) {
			continue
		}
		if !blocking {
			return false
		}
		context2.Sleep(ctx, m.SpinDelay)
		if ctx.Err() != nil {
			return false
		}
	}
}

// Release is part of Manager. It deletes the row recorded by the last
// successful Acquire of this instance for the resource. Releasing a resource
// this instance never acquired is a no-op returning false.
func (m *manager) Release(ctx context.Context, resource string) bool {
	key := KeyOf(resource)
	m.lock.Lock()
	id, ok := m.handles[key]
	m.lock.Unlock()
	if !ok {
		return false
	}
	if _, err := m.Table.DeleteByID(ctx, id); err != nil {
		// the handle is kept, so the caller may retry the release
		m.logger.Warnf("Release(%s): could not delete the row id=%d: %v", resource, id, err)
		return false
	}
	m.lock.Lock()
	if m.handles[key] == id {
		delete(m.handles, key)
	}
	m.lock.Unlock()
	return true
}

// Exists is part of Manager
func (m *manager) Exists(ctx context.Context, resource string, minLevel Level) bool {
	if !minLevel.valid() {
		return false
	}
	ok, err := m.Table.ExistsAtLeast(ctx, KeyOf(resource), minLevel, time.Now().Unix())
	if err != nil {
		if !errors.Is(err, errors.ErrNotExist) {
			m.logger.Warnf("Exists(%s): %v", resource, err)
		}
		return false
	}
	return ok
}

// Ghosts is part of Manager. A record is a ghost iff it is expired by time
// AND its originating process and connection are not observably alive. When
// an oracle is unavailable the policy is conservative - the records it vouches
// for are treated as alive and kept.
func (m *manager) Ghosts(ctx context.Context, resource string) ([]Record, error) {
	key := ""
	if resource != "" {
		key = KeyOf(resource)
	}
	now := time.Now().Unix()
	recs, err := m.Table.Expired(ctx, key, now)
	if err != nil || len(recs) == 0 {
		return nil, err
	}

	// the connection oracle is consulted only when a candidate carries a cid
	var conns map[int64]struct{}
	connsKnown := false
	for _, r := range recs {
		if r.CID == nil {
			continue
		}
		conns, err = m.Table.ActiveConns(ctx)
		if err != nil {
			m.logger.Warnf("Ghosts(): the connection oracle is not available, keeping the cid-owned rows: %v", err)
		} else {
			connsKnown = true
		}
		break
	}

	res := make([]Record, 0, len(recs))
	for _, r := range recs {
		if !r.Expired(now) {
			continue
		}
		if r.PID != nil && (m.Procs == nil || m.Procs.Alive(*r.PID)) {
			continue
		}
		if r.CID != nil {
			if !connsKnown {
				continue
			}
			if _, ok := conns[*r.CID]; ok {
				continue
			}
		}
		res = append(res, r)
	}
	return res, nil
}

// DropGhosts is part of Manager
func (m *manager) DropGhosts(ctx context.Context, resource string) bool {
	ghosts, err := m.Ghosts(ctx, resource)
	if err != nil || len(ghosts) == 0 {
		return false
	}
	ids := make([]int64, len(ghosts))
	for i, g := range ghosts {
		ids[i] = g.ID
	}
	n, err := m.Table.DeleteByIDs(ctx, ids)
	if err != nil {
		m.logger.Warnf("DropGhosts(%s): could not delete %d ghost row(s): %v", resource, len(ids), err)
		return false
	}
	if n > 0 {
		m.logger.Debugf("DropGhosts(%s): removed %d ghost row(s)", resource, n)
	}
	return n > 0
}

// Scan is part of Manager
func (m *manager) Scan(ctx context.Context, pattern string) ([]Record, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("could not compile the pattern %q: %w", pattern, errors.ErrInvalid)
	}
	recs, err := m.Table.List(ctx)
	if err != nil {
		return nil, err
	}
	res := make([]Record, 0, len(recs))
	for _, r := range recs {
		if g.Match(r.Resource) {
			res = append(res, r)
		}
	}
	return res, nil
}
