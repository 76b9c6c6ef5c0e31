// Copyright 2024 The gVisor Authors.
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

// Package hverr contains the small, closed set of error codes that the
// memory virtualization core reports to administrative and hypercall
// callers. Each code is a distinct failure class; guests never see them.
package hverr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"
	"gvisor.dev/hvmm/pkg/errors"
)

var (
	// ENOMEM reports exhaustion of frames, table pages or shadow memory.
	ENOMEM = errors.New(unix.ENOMEM, "out of memory")

	// EINVAL reports a bad argument or an operation issued against a domain
	// in the wrong paging mode.
	EINVAL = errors.New(unix.EINVAL, "invalid argument")

	// EBUSY reports a range that is in a state the operation cannot change.
	EBUSY = errors.New(unix.EBUSY, "device or resource busy")

	// ENOENT reports that nothing is mapped.
	ENOENT = errors.New(unix.ENOENT, "no such entry")

	// EAGAIN reports a transient condition, such as an empty PoD cache.
	EAGAIN = errors.New(unix.EAGAIN, "try again")

	// EFAULT reports an invalid guest reference.
	EFAULT = errors.New(unix.EFAULT, "bad guest address")

	// EIO reports an internal consistency failure; the domain is crashed.
	EIO = errors.New(unix.EIO, "domain crashed")

	// ENOSYS reports an operation the active paging engine does not
	// implement.
	ENOSYS = errors.New(unix.ENOSYS, "operation not supported by paging mode")

	// ERANGE reports a GFN outside of the domain's reservation.
	ERANGE = errors.New(unix.ERANGE, "frame outside reservation")
)

// Equals compares e against err, unwrapping err as needed.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == nil
	}
	return goerrors.Is(err, e) || goerrors.Is(err, e.Errno())
}

// ToUnix returns the errno carried by err, or EIO for an error from outside
// this set. A nil error maps to 0.
func ToUnix(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Errno()
	}
	return unix.EIO
}
