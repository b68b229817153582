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
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/acquirecloud/dblock/golibs/cast"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// a pid that cannot belong to a running process (way above pid_max)
const deadPID = int64(999999999)

// TestTable is the conformance suite, a bunch of tests run against a Table
// implementation. Every backend must pass it on an empty table.
func TestTable(t *testing.T, tbl Table) {
	require.Nil(t, tbl.Install(context.Background()))
	// install must be idempotent
	require.Nil(t, tbl.Install(context.Background()))

	testTableMutualExclusion(t, tbl)
	testTableReadSharing(t, tbl)
	testTableReleaseScoping(t, tbl)
	testTableExists(t, tbl)
	testTableBlockingHandoff(t, tbl)
	testTableExpiration(t, tbl)
	testTableGhosts(t, tbl)
	testTableScan(t, tbl)
	testTableAcquireRace(t, tbl)
}

func newTestManager(tbl Table) *manager {
	m := NewManager()
	m.Table = tbl
	m.SpinDelay = time.Millisecond
	return m
}

func wipeTable(t *testing.T, tbl Table) {
	recs, err := tbl.List(context.Background())
	require.Nil(t, err)
	if len(recs) == 0 {
		return
	}
	ids := make([]int64, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	_, err = tbl.DeleteByIDs(context.Background(), ids)
	require.Nil(t, err)
}

func testTableMutualExclusion(t *testing.T, tbl Table) {
	defer wipeTable(t, tbl)
	ctx := context.Background()
	// mA and mB simulate two independent processes sharing the table
	mA, mB := newTestManager(tbl), newTestManager(tbl)

	assert.True(t, mA.Acquire(ctx, "user:1:balance", Write, false, 0))
	assert.False(t, mB.Acquire(ctx, "user:1:balance", Write, false, 0))
	assert.False(t, mB.Acquire(ctx, "user:1:balance", Read, false, 0))
	// an unrelated resource is not affected
	assert.True(t, mB.Acquire(ctx, "user:2:balance", Write, false, 0))
	assert.True(t, mB.Release(ctx, "user:2:balance"))

	assert.True(t, mA.Release(ctx, "user:1:balance"))
	assert.True(t, mB.Acquire(ctx, "user:1:balance", Write, false, 0))
	assert.True(t, mB.Release(ctx, "user:1:balance"))
}

func testTableReadSharing(t *testing.T, tbl Table) {
	defer wipeTable(t, tbl)
	ctx := context.Background()
	readers := []*manager{newTestManager(tbl), newTestManager(tbl), newTestManager(tbl)}

	for _, m := range readers {
		assert.True(t, m.Acquire(ctx, "shared:cfg", Read, false, 0))
	}
	// a writer cannot pass while any reader holds the resource
	w := newTestManager(tbl)
	assert.False(t, w.Acquire(ctx, "shared:cfg", Write, false, 0))

	for _, m := range readers {
		assert.True(t, m.Release(ctx, "shared:cfg"))
	}
	assert.True(t, w.Acquire(ctx, "shared:cfg", Write, false, 0))
	// and a reader cannot pass while the writer holds it
	assert.False(t, readers[0].Acquire(ctx, "shared:cfg", Read, false, 0))
	assert.True(t, w.Release(ctx, "shared:cfg"))
}

func testTableReleaseScoping(t *testing.T, tbl Table) {
	defer wipeTable(t, tbl)
	ctx := context.Background()
	m := newTestManager(tbl)

	// never acquired
	assert.False(t, m.Release(ctx, "never:acquired"))

	assert.True(t, m.Acquire(ctx, "rel:a", Write, false, 0))
	assert.True(t, m.Release(ctx, "rel:a"))
	// the second release in a row fails
	assert.False(t, m.Release(ctx, "rel:a"))

	// releasing one resource leaves the rows of the others untouched
	m2 := newTestManager(tbl)
	assert.True(t, m.Acquire(ctx, "rel:b", Write, false, 0))
	assert.True(t, m2.Acquire(ctx, "rel:c", Write, false, 0))
	assert.True(t, m.Release(ctx, "rel:b"))
	assert.True(t, m2.Exists(ctx, "rel:c", Write))
	assert.True(t, m2.Release(ctx, "rel:c"))
}

func testTableExists(t *testing.T, tbl Table) {
	defer wipeTable(t, tbl)
	ctx := context.Background()
	m := newTestManager(tbl)

	assert.False(t, m.Exists(ctx, "ex:a", Read))

	assert.True(t, m.Acquire(ctx, "ex:a", Read, false, 0))
	assert.True(t, m.Exists(ctx, "ex:a", Read))
	assert.False(t, m.Exists(ctx, "ex:a", Write))
	assert.True(t, m.Release(ctx, "ex:a"))

	assert.True(t, m.Acquire(ctx, "ex:a", Write, false, 0))
	assert.True(t, m.Exists(ctx, "ex:a", Read))
	assert.True(t, m.Exists(ctx, "ex:a", Write))
	assert.True(t, m.Release(ctx, "ex:a"))
}

func testTableBlockingHandoff(t *testing.T, tbl Table) {
	defer wipeTable(t, tbl)
	ctx := context.Background()
	mA, mB := newTestManager(tbl), newTestManager(tbl)

	assert.True(t, mA.Acquire(ctx, "blk:a", Write, false, 0))

	done := make(chan bool, 1)
	go func() {
		ctx2, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		done <- mB.Acquire(ctx2, "blk:a", Write, true, 0)
	}()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("the blocked acquire must not return while the lock is held")
	default:
	}

	assert.True(t, mA.Release(ctx, "blk:a"))
	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("the blocked acquire did not take over after the release")
	}
	assert.True(t, mB.Release(ctx, "blk:a"))

	// blocking acquire gives up when the ctx is closed
	assert.True(t, mA.Acquire(ctx, "blk:b", Write, false, 0))
	ctx3, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.False(t, mB.Acquire(ctx3, "blk:b", Write, true, 0))
	assert.True(t, mA.Release(ctx, "blk:b"))
}

func testTableExpiration(t *testing.T, tbl Table) {
	defer wipeTable(t, tbl)
	ctx := context.Background()
	mA, mB := newTestManager(tbl), newTestManager(tbl)

	assert.True(t, mA.Acquire(ctx, "exp:a", Write, false, time.Second))
	assert.False(t, mB.Acquire(ctx, "exp:a", Write, false, 0))

	// once the wall clock passes the deadline the row does not conflict anymore
	time.Sleep(2200 * time.Millisecond)
	assert.True(t, mB.Acquire(ctx, "exp:a", Write, false, 0))
	assert.True(t, mB.Release(ctx, "exp:a"))
	// the expired row is still there, mA may remove it by the handle
	assert.True(t, mA.Release(ctx, "exp:a"))
}

func testTableGhosts(t *testing.T, tbl Table) {
	defer wipeTable(t, tbl)
	ctx := context.Background()
	m := newTestManager(tbl)
	now := time.Now().Unix()
	livePID := int64(os.Getpid())

	// dead process, no connection, expired => a ghost
	_, err := tbl.InsertIfFree(ctx, Record{LockKey: KeyOf("gh:a"), Resource: "gh:a",
		Level: Write, PID: cast.Ptr(deadPID), ExpiresAt: now - 10}, now-20)
	require.Nil(t, err)
	// dead process, inactive connection, expired => a ghost
	_, err = tbl.InsertIfFree(ctx, Record{LockKey: KeyOf("gh:b"), Resource: "gh:b",
		Level: Write, PID: cast.Ptr(deadPID), CID: cast.Ptr(int64(987654321)), ExpiresAt: now - 10}, now-20)
	require.Nil(t, err)
	// the process is alive => not a ghost even past the deadline
	_, err = tbl.InsertIfFree(ctx, Record{LockKey: KeyOf("gh:c"), Resource: "gh:c",
		Level: Write, PID: &livePID, ExpiresAt: now - 10}, now-20)
	require.Nil(t, err)
	// no expiration => never a ghost
	_, err = tbl.InsertIfFree(ctx, Record{LockKey: KeyOf("gh:d"), Resource: "gh:d",
		Level: Write, PID: cast.Ptr(deadPID)}, now)
	require.Nil(t, err)

	ghosts, err := m.Ghosts(ctx, "")
	require.Nil(t, err)
	resources := map[string]bool{}
	for _, g := range ghosts {
		resources[g.Resource] = true
	}
	assert.True(t, resources["gh:a"])
	assert.True(t, resources["gh:b"])
	assert.False(t, resources["gh:c"])
	assert.False(t, resources["gh:d"])

	// the per-resource detection does not see the other keys
	ghosts, err = m.Ghosts(ctx, "gh:a")
	require.Nil(t, err)
	require.Equal(t, 1, len(ghosts))
	assert.Equal(t, "gh:a", ghosts[0].Resource)

	assert.True(t, m.DropGhosts(ctx, ""))
	ghosts, err = m.Ghosts(ctx, "")
	require.Nil(t, err)
	assert.Equal(t, 0, len(ghosts))
	// nothing to reclaim anymore
	assert.False(t, m.DropGhosts(ctx, ""))

	// the survivors are still in place
	assert.True(t, m.Exists(ctx, "gh:d", Write))
}

func testTableAcquireRace(t *testing.T, tbl Table) {
	defer wipeTable(t, tbl)
	ctx := context.Background()
	const workers = 8
	const rounds = 10

	// every worker is its own "process", they all dive for the same WRITE
	// lock at once and exactly one of them may come up with it
	mgrs := make([]*manager, workers)
	for i := range mgrs {
		mgrs[i] = newTestManager(tbl)
	}

	for round := 0; round < rounds; round++ {
		var before, after sync.WaitGroup
		before.Add(1)
		after.Add(workers)
		var wins int32
		var winner int32 = -1
		for i := 0; i < workers; i++ {
			go func(i int) {
				defer after.Done()
				before.Wait()
				if mgrs[i].Acquire(ctx, "race:hot", Write, false, 0) {
					atomic.AddInt32(&wins, 1)
					atomic.StoreInt32(&winner, int32(i))
				}
			}(i)
		}
		before.Done()
		after.Wait()

		require.Equal(t, int32(1), wins, "round %d", round)
		recs, err := tbl.List(ctx)
		require.Nil(t, err)
		require.Equal(t, 1, len(recs), "round %d", round)
		require.True(t, mgrs[winner].Release(ctx, "race:hot"))
	}
}

func testTableScan(t *testing.T, tbl Table) {
	defer wipeTable(t, tbl)
	ctx := context.Background()
	m := newTestManager(tbl)

	assert.True(t, m.Acquire(ctx, "user:1:balance", Write, false, 0))
	assert.True(t, m.Acquire(ctx, "user:2:balance", Read, false, 0))
	assert.True(t, m.Acquire(ctx, "job:reindex", Write, false, 0))

	recs, err := m.Scan(ctx, "user:*")
	require.Nil(t, err)
	assert.Equal(t, 2, len(recs))

	recs, err = m.Scan(ctx, "*")
	require.Nil(t, err)
	assert.Equal(t, 3, len(recs))

	_, err = m.Scan(ctx, "[")
	assert.NotNil(t, err)

	assert.True(t, m.Release(ctx, "user:1:balance"))
	assert.True(t, m.Release(ctx, "user:2:balance"))
	assert.True(t, m.Release(ctx, "job:reindex"))
}
