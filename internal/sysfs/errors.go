package sysfs

import "fmt"

// Class buckets OS errors so callers never have to inspect errno themselves.
type Class uint8

const (
	ClassOther Class = iota
	ClassNotFound
	ClassPermission
	ClassBusy
	ClassInvalid
)

func (c Class) String() string {
	switch c {
	case ClassNotFound:
		return "not found"
	case ClassPermission:
		return "permission denied"
	case ClassBusy:
		return "busy"
	case ClassInvalid:
		return "invalid value"
	default:
		return "io failure"
	}
}

// IoError is returned by every Bridge read and write.
type IoError struct {
	Op    string
	Path  string
	Class Class
	Err   error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("sysfs %s %s: %s: %v", e.Op, e.Path, e.Class, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

func newIoError(op, path string, err error) *IoError {
	return &IoError{Op: op, Path: path, Class: classify(err), Err: err}
}
