package manager

import (
	"errors"
	"fmt"

	"modelmgr/internal/errs"
)

// errClosed is returned by mutating calls after Close.
var errClosed = errs.Validation("model manager is closed")

// IsClosed reports whether err came from a call made after Close.
func IsClosed(err error) bool { return errors.Is(err, errClosed) }

// recoverValidation turns a panic raised by fn into a Validation error so a
// failed assertion deep in a merge never takes the caller down.
func recoverValidation(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.Validation("%s: %s", op, fmt.Sprint(r))
		}
	}()
	return fn()
}
