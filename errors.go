// Copyright 2015 Google Inc. All Rights Reserved.
// Author: jacobsa@google.com (Aaron Jacobs)

package ftpfs

import "syscall"

const (
	// Errors corresponding to kernel error numbers. These may be returned
	// by file system methods and are passed through to the kernel, and to
	// the daemon as reply codes, unchanged.
	EBUSY   = syscall.EBUSY
	EINTR   = syscall.EINTR
	EINVAL  = syscall.EINVAL
	EIO     = syscall.EIO
	ENOENT  = syscall.ENOENT
	ENOSYS  = syscall.ENOSYS
	ENOTDIR = syscall.ENOTDIR
	ENOTSUP = syscall.ENOTSUP
)
