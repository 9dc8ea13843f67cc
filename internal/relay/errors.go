package relay

import (
	"errors"
	"fmt"
)

// ErrInvalidDestination marks requests whose destination is not an account id.
var ErrInvalidDestination = errors.New("invalid destination")

// FatalError reports a failure after which no request can be served.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("cannot %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err ends request processing for good.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}
