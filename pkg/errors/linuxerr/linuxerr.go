// Copyright 2021 The gVisor Authors.
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

// Package linuxerr contains errno values exported as error interface pointers.
// This allows for fast comparison and return operations comparable to
// unix.Errno constants.
package linuxerr

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/pimutex/pkg/errors"
)

// The following errors are semantically identical to Errno of type unix.Errno.
// However, since the types are distinct (these are *errors.Error), they are
// not directly comparable. The Errno method returns an Errno number such that
// the error can be compared to unix.Errno (e.g. EPERM.Errno() == unix.EPERM is
// true). Converting unix.Errno to the errors should be done via the lookup
// methods provided.
var (
	noError *errors.Error = nil
	EPERM                 = errors.New(unix.EPERM, "operation not permitted")
	ESRCH                 = errors.New(unix.ESRCH, "no such process")
	EINTR                 = errors.New(unix.EINTR, "interrupted system call")
	EAGAIN                = errors.New(unix.EAGAIN, "try again")
	EFAULT                = errors.New(unix.EFAULT, "bad address")
	EBUSY                 = errors.New(unix.EBUSY, "device or resource busy")
	EINVAL                = errors.New(unix.EINVAL, "invalid argument")
	EDEADLK               = errors.New(unix.EDEADLK, "resource deadlock would occur")
	ENOSYS                = errors.New(unix.ENOSYS, "invalid system call number")
	ETIMEDOUT             = errors.New(unix.ETIMEDOUT, "connection timed out")
	EOWNERDEAD            = errors.New(unix.EOWNERDEAD, "owner died")
)

// Errors with the same value.
var (
	EWOULDBLOCK = EAGAIN
	EDEADLOCK   = EDEADLK
)

// errorTable maps errnos to their *errors.Error.
var errorTable = map[unix.Errno]*errors.Error{
	unix.EPERM:      EPERM,
	unix.ESRCH:      ESRCH,
	unix.EINTR:      EINTR,
	unix.EAGAIN:     EAGAIN,
	unix.EFAULT:     EFAULT,
	unix.EBUSY:      EBUSY,
	unix.EINVAL:     EINVAL,
	unix.EDEADLK:    EDEADLK,
	unix.ENOSYS:     ENOSYS,
	unix.ETIMEDOUT:  ETIMEDOUT,
	unix.EOWNERDEAD: EOWNERDEAD,
}

// ErrorFromUnix returns a linuxerr from a unix.Errno.
func ErrorFromUnix(err unix.Errno) error {
	if err == unix.Errno(0) {
		return nil
	}
	e, ok := errorTable[err]
	if !ok {
		panic(fmt.Sprintf("invalid error requested with errno: %v", err))
	}
	return e
}

// ToError converts a linuxerr to an error type.
func ToError(err *errors.Error) error {
	if err == noError {
		return nil
	}
	return err
}

// ToUnix converts a linuxerr to a unix.Errno.
func ToUnix(e *errors.Error) unix.Errno {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	return unixErr
}

// Equals compares a linuxerr to a given error.
func Equals(e *errors.Error, err error) bool {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	if err == nil {
		err = noError
	}
	return e == err || unixErr == err
}

// FromContext translates the error of a done context: an expired deadline is
// ETIMEDOUT, any other cancellation is EINTR. It returns nil if ctx is not
// done.
func FromContext(ctx context.Context) error {
	switch err := ctx.Err(); {
	case err == nil:
		return nil
	case err == context.DeadlineExceeded:
		return ETIMEDOUT
	default:
		return EINTR
	}
}
