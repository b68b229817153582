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
	"os"
	"syscall"

	"github.com/acquirecloud/dblock/golibs/errors"
)

type osProcesses struct{}

// OSProcesses returns the ProcessOracle backed by the local operating system.
// A process is considered alive if signal 0 can be addressed to it, which
// includes the processes owned by the other users (EPERM).
func OSProcesses() ProcessOracle {
	return osProcesses{}
}

// Alive is part of ProcessOracle
func (osProcesses) Alive(pid int64) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(int(pid))
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
