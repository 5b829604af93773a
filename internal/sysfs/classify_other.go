//go:build !unix

package sysfs

import (
	"errors"
	"io/fs"
)

// Stub classification for platforms without errno values; only the portable
// fs sentinels are recognized.
func classify(err error) Class {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ClassNotFound
	case errors.Is(err, fs.ErrPermission):
		return ClassPermission
	case errors.Is(err, fs.ErrInvalid):
		return ClassInvalid
	default:
		return ClassOther
	}
}
