package buntdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/acquirecloud/dblock/golibs/errors"
	"github.com/acquirecloud/dblock/pkg/lock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableConformance(t *testing.T) {
	tbl := NewTable(Config{})
	require.Nil(t, tbl.Init(context.Background()))
	defer tbl.Shutdown()

	lock.TestTable(t, tbl)
}

func TestRowsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "locks.db")
	now := time.Now().Unix()

	tbl := NewTable(Config{DBFilePath: path})
	require.Nil(t, tbl.Init(ctx))
	id, err := tbl.InsertIfFree(ctx, lock.Record{LockKey: lock.KeyOf("p:a"), Resource: "p:a", Level: lock.Write}, now)
	require.Nil(t, err)
	tbl.Shutdown()

	tbl = NewTable(Config{DBFilePath: path})
	require.Nil(t, tbl.Init(ctx))
	defer tbl.Shutdown()

	recs, err := tbl.List(ctx)
	require.Nil(t, err)
	require.Equal(t, 1, len(recs))
	assert.Equal(t, id, recs[0].ID)
	assert.Equal(t, "p:a", recs[0].Resource)

	// the id sequence continues after the restart
	id2, err := tbl.InsertIfFree(ctx, lock.Record{LockKey: lock.KeyOf("p:b"), Resource: "p:b", Level: lock.Write}, now)
	require.Nil(t, err)
	assert.True(t, id2 > id)
}

func TestNotInitialized(t *testing.T) {
	ctx := context.Background()
	tbl := NewTable(Config{})

	// every row operation must fail with ErrClosed before Init, not panic
	_, err := tbl.InsertIfFree(ctx, lock.Record{LockKey: lock.KeyOf("a"), Resource: "a", Level: lock.Write}, 0)
	assert.True(t, errors.Is(err, errors.ErrClosed))
	assert.True(t, errors.Is(tbl.Install(ctx), errors.ErrClosed))
	_, err = tbl.DeleteByID(ctx, 1)
	assert.True(t, errors.Is(err, errors.ErrClosed))
	_, err = tbl.DeleteByIDs(ctx, []int64{1, 2})
	assert.True(t, errors.Is(err, errors.ErrClosed))
	_, err = tbl.ExistsAtLeast(ctx, lock.KeyOf("a"), lock.Read, 0)
	assert.True(t, errors.Is(err, errors.ErrClosed))
	_, err = tbl.Expired(ctx, "", 0)
	assert.True(t, errors.Is(err, errors.ErrClosed))
	_, err = tbl.List(ctx)
	assert.True(t, errors.Is(err, errors.ErrClosed))
}
