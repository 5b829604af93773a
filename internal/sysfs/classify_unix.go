//go:build unix

package sysfs

import (
	"errors"

	"golang.org/x/sys/unix"
)

func classify(err error) Class {
	switch {
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.ENODEV), errors.Is(err, unix.ENXIO):
		return ClassNotFound
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM), errors.Is(err, unix.EROFS):
		return ClassPermission
	case errors.Is(err, unix.EBUSY), errors.Is(err, unix.EAGAIN):
		return ClassBusy
	case errors.Is(err, unix.EINVAL), errors.Is(err, unix.ERANGE), errors.Is(err, unix.EOPNOTSUPP):
		return ClassInvalid
	default:
		return ClassOther
	}
}
