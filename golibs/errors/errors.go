// Copyright 2023 The acquirecloud Authors
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
package errors

import (
	"errors"
	"os"
)

var (
	// ErrNotExist is returned when an object is not found
	ErrNotExist = os.ErrNotExist
	// ErrExist is returned when an object unexpectedly exists already
	ErrExist = os.ErrExist
	// ErrClosed is returned when an operation is requested on a closed object
	ErrClosed = os.ErrClosed
	// ErrInvalid indicates that the provided parameters are invalid
	ErrInvalid = os.ErrInvalid

	// ErrConflict indicates that the operation cannot be performed due to
	// a conflicting state of the affected objects
	ErrConflict = errors.New("conflict")
	// ErrInternal indicates an unexpected internal error
	ErrInternal = errors.New("internal error")
	// ErrCommunication indicates a communication problem with a remote system
	ErrCommunication = errors.New("communication error")
	// ErrExhausted indicates that a resource limit is reached
	ErrExhausted = errors.New("resource exhausted")
	// ErrNotAuthorized indicates that the requestor is not authorized for the operation
	ErrNotAuthorized = errors.New("not authorized")
	// ErrDataLoss indicates unrecoverable data loss or corruption
	ErrDataLoss = errors.New("unrecoverable data loss or corruption")
	// ErrUnimplemented indicates that the operation is not supported
	ErrUnimplemented = errors.New("unimplemented")
	// ErrCanceled indicates that the operation was canceled
	ErrCanceled = errors.New("canceled")
)

// Is reports whether any error in err's tree matches target. It is a
// convenience wrapper around the standard errors.Is
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target. It is a
// convenience wrapper around the standard errors.As
func As(err error, target any) bool {
	return errors.As(err, target)
}
