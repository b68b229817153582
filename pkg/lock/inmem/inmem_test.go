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
package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/acquirecloud/dblock/golibs/cast"
	"github.com/acquirecloud/dblock/pkg/lock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableConformance(t *testing.T) {
	lock.TestTable(t, New())
}

func TestGhostsByConnection(t *testing.T) {
	ctx := context.Background()
	active := map[int64]struct{}{10: {}}
	tbl := NewWithConns(func() map[int64]struct{} { return active })
	m := lock.NewManagerFor(tbl)
	now := time.Now().Unix()

	// both rows are expired, owned by connections rather than processes
	_, err := tbl.InsertIfFree(ctx, lock.Record{LockKey: lock.KeyOf("c:a"), Resource: "c:a",
		Level: lock.Write, CID: cast.Ptr(int64(10)), ExpiresAt: now - 10}, now-20)
	require.Nil(t, err)
	_, err = tbl.InsertIfFree(ctx, lock.Record{LockKey: lock.KeyOf("c:b"), Resource: "c:b",
		Level: lock.Write, CID: cast.Ptr(int64(11)), ExpiresAt: now - 10}, now-20)
	require.Nil(t, err)

	ghosts, err := m.Ghosts(ctx, "")
	require.Nil(t, err)
	require.Equal(t, 1, len(ghosts))
	// the row of the live connection 10 is kept
	assert.Equal(t, "c:b", ghosts[0].Resource)

	// the connection died, its row becomes reclaimable
	active = map[int64]struct{}{}
	assert.True(t, m.DropGhosts(ctx, ""))
	recs, err := tbl.List(ctx)
	require.Nil(t, err)
	assert.Equal(t, 0, len(recs))
}

func TestDeleteByIDsCountsRemovedOnly(t *testing.T) {
	ctx := context.Background()
	tbl := New()
	now := time.Now().Unix()
	id, err := tbl.InsertIfFree(ctx, lock.Record{LockKey: lock.KeyOf("d:a"), Resource: "d:a", Level: lock.Write}, now)
	require.Nil(t, err)

	n, err := tbl.DeleteByIDs(ctx, []int64{id, id + 100})
	require.Nil(t, err)
	assert.Equal(t, int64(1), n)

	ok, err := tbl.DeleteByID(ctx, id)
	require.Nil(t, err)
	assert.False(t, ok)
}
