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
	"time"
)

// ResourceLock is a thin per-resource handle over a shared Manager. It binds
// the resource identifier once, so the callers work with resource-scoped
// objects instead of passing the identifier on every call. It holds no
// locking logic of its own.
type ResourceLock struct {
	mgr      Manager
	resource string
}

// NewResourceLock returns the handle for the resource over the manager m
func NewResourceLock(m Manager, resource string) *ResourceLock {
	return &ResourceLock{mgr: m, resource: resource}
}

// Resource returns the resource identifier the handle was built for
func (rl *ResourceLock) Resource() string {
	return rl.resource
}

// Acquire obtains the lock on the level provided, see Manager.Acquire.
// It returns false right away if the level is unknown.
func (rl *ResourceLock) Acquire(ctx context.Context, level Level, blocking bool, expiration time.Duration) bool {
	if !level.valid() {
		return false
	}
	return rl.mgr.Acquire(ctx, rl.resource, level, blocking, expiration)
}

// Release removes the grant the manager acquired for the resource,
// see Manager.Release
func (rl *ResourceLock) Release(ctx context.Context) bool {
	return rl.mgr.Release(ctx, rl.resource)
}

// LockExists reports whether an unexpired grant of the level minLevel or
// higher currently exists for the resource, without acquiring anything
func (rl *ResourceLock) LockExists(ctx context.Context, minLevel Level) bool {
	if !minLevel.valid() {
		return false
	}
	return rl.mgr.Exists(ctx, rl.resource, minLevel)
}
