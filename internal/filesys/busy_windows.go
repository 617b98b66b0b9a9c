//go:build windows

package filesys

import "golang.org/x/sys/windows"

var busyErrors = []error{
	windows.ERROR_SHARING_VIOLATION,
	windows.ERROR_LOCK_VIOLATION,
	windows.ERROR_ACCESS_DENIED,
}
