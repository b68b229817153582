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

	gsync "github.com/acquirecloud/dblock/golibs/sync"
)

type (
	lockProvider struct {
		mgr Manager
	}

	mgrLocker struct {
		mgr      Manager
		resource string
	}
)

var _ gsync.LockProvider = (*lockProvider)(nil)
var _ gsync.Locker = (*mgrLocker)(nil)

// NewLockProvider adapts the Manager m to the sync.LockProvider contract.
// The lockers it builds acquire the WRITE level with no expiration, so the
// critical sections are exclusive until Unlock or the holder process death.
func NewLockProvider(m Manager) gsync.LockProvider {
	return &lockProvider{mgr: m}
}

// NewLocker is part of sync.LockProvider
func (p *lockProvider) NewLocker(name string) gsync.Locker {
	return &mgrLocker{mgr: p.mgr, resource: name}
}

// Lock is part of sync.Locker
func (l *mgrLocker) Lock() {
	if !l.mgr.Acquire(context.Background(), l.resource, Write, true, 0) {
		panic("mgrLocker: could not acquire the lock for " + l.resource)
	}
}

// TryLock is part of sync.Locker
func (l *mgrLocker) TryLock(ctx context.Context) bool {
	return l.mgr.Acquire(ctx, l.resource, Write, false, 0)
}

// LockWithCtx is part of sync.Locker
func (l *mgrLocker) LockWithCtx(ctx context.Context) error {
	if l.mgr.Acquire(ctx, l.resource, Write, true, 0) {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return context.Canceled
}

// Unlock is part of sync.Locker
func (l *mgrLocker) Unlock() {
	if !l.mgr.Release(context.Background(), l.resource) {
		panic("mgrLocker: an attempt to unlock not-locked resource " + l.resource)
	}
}
