//go:build !windows

package filesys

import "syscall"

var busyErrors = []error{
	syscall.EBUSY,
	syscall.ETXTBSY,
}
