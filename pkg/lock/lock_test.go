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
	"testing"
	"time"

	"github.com/acquirecloud/dblock/golibs/cast"
	"github.com/acquirecloud/dblock/golibs/errors"
	"github.com/stretchr/testify/assert"
)

func TestKeyOf(t *testing.T) {
	k1 := KeyOf("user:1:balance")
	k2 := KeyOf("user:1:balance")
	k3 := KeyOf("user:2:balance")
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	// the key length does not depend on the resource length
	assert.Equal(t, len(k1), len(KeyOf("a")))
	assert.Equal(t, 44, len(k1))
}

func TestConflictLevel(t *testing.T) {
	// READ coexists with READ, so only WRITE conflicts with it
	assert.Equal(t, Write, ConflictLevel(Read))
	// WRITE conflicts with anything
	assert.Equal(t, Read, ConflictLevel(Write))
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "READ", Read.String())
	assert.Equal(t, "WRITE", Write.String())
	assert.Equal(t, "Level(5)", Level(5).String())
}

func TestRecordExpired(t *testing.T) {
	now := time.Now().Unix()
	assert.False(t, Record{}.Expired(now))
	assert.False(t, Record{ExpiresAt: now + 10}.Expired(now))
	assert.True(t, Record{ExpiresAt: now}.Expired(now))
	assert.True(t, Record{ExpiresAt: now - 10}.Expired(now))
}

func TestOSProcesses(t *testing.T) {
	o := OSProcesses()
	assert.True(t, o.Alive(int64(os.Getpid())))
	assert.False(t, o.Alive(deadPID))
	assert.False(t, o.Alive(0))
	assert.False(t, o.Alive(-1))
}

// stubTable counts the calls and fails InsertIfFree in a scripted way
type stubTable struct {
	installs   int
	inserts    int
	insertErrs []error
	expired    []Record
	connsErr   error
	conns      map[int64]struct{}
	deletedIDs []int64
}

func (s *stubTable) Install(ctx context.Context) error { s.installs++; return nil }

func (s *stubTable) InsertIfFree(ctx context.Context, r Record, now int64) (int64, error) {
	s.inserts++
	if len(s.insertErrs) > 0 {
		err := s.insertErrs[0]
		s.insertErrs = s.insertErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	return int64(s.inserts), nil
}

func (s *stubTable) DeleteByID(ctx context.Context, id int64) (bool, error) {
	s.deletedIDs = append(s.deletedIDs, id)
	return true, nil
}

func (s *stubTable) DeleteByIDs(ctx context.Context, ids []int64) (int64, error) {
	s.deletedIDs = append(s.deletedIDs, ids...)
	return int64(len(ids)), nil
}

func (s *stubTable) ExistsAtLeast(ctx context.Context, lockKey string, minLevel Level, now int64) (bool, error) {
	return false, nil
}

func (s *stubTable) Expired(ctx context.Context, lockKey string, now int64) ([]Record, error) {
	return s.expired, nil
}

func (s *stubTable) List(ctx context.Context) ([]Record, error) { return nil, nil }

func (s *stubTable) ConnID(ctx context.Context) (*int64, error) { return nil, nil }

func (s *stubTable) ActiveConns(ctx context.Context) (map[int64]struct{}, error) {
	return s.conns, s.connsErr
}

func TestManagerInstallsOnFirstSchemaError(t *testing.T) {
	stb := &stubTable{insertErrs: []error{errors.ErrNotExist}}
	m := NewManagerFor(stb)
	assert.True(t, m.Acquire(context.Background(), "a", Write, false, 0))
	assert.Equal(t, 1, stb.installs)
	assert.Equal(t, 2, stb.inserts)
}

func TestManagerGivesUpWhenInstallDoesNotHelp(t *testing.T) {
	stb := &stubTable{insertErrs: []error{errors.ErrNotExist, errors.ErrNotExist}}
	m := NewManagerFor(stb)
	assert.False(t, m.Acquire(context.Background(), "a", Write, false, 0))
	assert.Equal(t, 1, stb.installs)
}

func TestManagerDoesNotRetryUnexpectedErrors(t *testing.T) {
	stb := &stubTable{insertErrs: []error{errors.ErrInternal}}
	m := NewManagerFor(stb)
	assert.False(t, m.Acquire(context.Background(), "a", Write, true, 0))
	assert.Equal(t, 1, stb.inserts)
	assert.Equal(t, 0, stb.installs)
}

func TestManagerRejectsBadArguments(t *testing.T) {
	m := NewManagerFor(&stubTable{})
	assert.False(t, m.Acquire(context.Background(), "", Write, false, 0))
	assert.False(t, m.Acquire(context.Background(), "a", Level(7), false, 0))
	assert.False(t, m.Exists(context.Background(), "a", Level(7)))
}

func TestManagerKeepsCidRowsWhenOracleFails(t *testing.T) {
	now := time.Now().Unix()
	stb := &stubTable{
		connsErr: errors.ErrCommunication,
		expired: []Record{
			{ID: 1, Resource: "a", Level: Write, PID: cast.Ptr(deadPID), CID: cast.Ptr(int64(42)), ExpiresAt: now - 10},
			{ID: 2, Resource: "b", Level: Write, PID: cast.Ptr(deadPID), ExpiresAt: now - 10},
		},
	}
	m := NewManagerFor(stb)
	ghosts, err := m.Ghosts(context.Background(), "")
	assert.Nil(t, err)
	// only the row with no connection identity is reclaimable
	assert.Equal(t, 1, len(ghosts))
	assert.Equal(t, int64(2), ghosts[0].ID)
}

func TestManagerKeepsPidRowsWhenOracleIsAbsent(t *testing.T) {
	now := time.Now().Unix()
	stb := &stubTable{
		expired: []Record{
			{ID: 1, Resource: "a", Level: Write, PID: cast.Ptr(deadPID), ExpiresAt: now - 10},
			{ID: 2, Resource: "b", Level: Write, ExpiresAt: now - 10},
		},
	}
	m := NewManager()
	m.Table = stb
	m.Procs = nil
	ghosts, err := m.Ghosts(context.Background(), "")
	assert.Nil(t, err)
	assert.Equal(t, 1, len(ghosts))
	assert.Equal(t, int64(2), ghosts[0].ID)
}

func TestResourceLockValidatesLevel(t *testing.T) {
	rl := NewResourceLock(NewManagerFor(&stubTable{}), "res")
	assert.Equal(t, "res", rl.Resource())
	assert.False(t, rl.Acquire(context.Background(), Level(0), false, 0))
	assert.False(t, rl.LockExists(context.Background(), Level(0)))
	assert.True(t, rl.Acquire(context.Background(), Write, false, 0))
	assert.True(t, rl.Release(context.Background()))
	assert.False(t, rl.Release(context.Background()))
}

func TestLockerPanicsOnDoubleUnlock(t *testing.T) {
	lp := NewLockProvider(NewManagerFor(&stubTable{}))
	l := lp.NewLocker("res")
	l.Lock()
	l.Unlock()
	assert.Panics(t, l.Unlock)
}

func TestLockerTryLock(t *testing.T) {
	stb := &stubTable{insertErrs: []error{errors.ErrExist}}
	lp := NewLockProvider(NewManagerFor(stb))
	l := lp.NewLocker("res")
	assert.False(t, l.TryLock(context.Background()))
	assert.True(t, l.TryLock(context.Background()))
	l.Unlock()
}
