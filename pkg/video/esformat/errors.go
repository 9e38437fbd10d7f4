// SPDX-License-Identifier: GPL-2.0-or-later

package esformat

import (
	"errors"
	"fmt"
)

// Format errors.
var (
	ErrUnknownFormat  = errors.New("unknown format")
	ErrCorruptFormat  = errors.New("corrupt format")
	ErrOutOfRange     = errors.New("seek target out of range")
	ErrTimestampOrder = errors.New("timestamp before previous frame")
	ErrClosed         = errors.New("closed")
)

// IOError failure of the underlying file.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func ioError(op string, err error) error {
	return &IOError{Op: op, Err: err}
}

// IsIOError reports whether err was caused by the underlying file.
func IsIOError(err error) bool {
	var e *IOError
	return errors.As(err, &e)
}
