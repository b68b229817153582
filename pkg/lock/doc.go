// Copyright 2024 The acquirecloud Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
/*
Package lock contains a named advisory lock manager for processes that share
a common datastore, but have no other communication channel. A lock is
identified by an arbitrary resource string and may be acquired on one of the
two levels - READ (shared) or WRITE (exclusive). The acquisition may be
blocking or not, and a lock may be given an expiration time, after which it
becomes a subject of the ghost collection - the reclamation of lock rows left
behind by crashed or killed holders.

The Manager owns the locking algorithm and runs it over the Table interface -
the datastore client capability. The Table implementations (Postgres, Redis,
BuntDB, in-memory) only provide the atomic conditional insert and a few
simple row operations, so the mutual exclusion correctness is always enforced
by one atomic check-and-insert operation of the underlying datastore.
*/
package lock
