package scenario

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/davecgh/go-spew/spew"
)

// ErrAssertion is wrapped by every failed scenario check.
var ErrAssertion = errors.New("assertion failed")

// assertf returns an assertion error naming the failed predicate unless ok.
func assertf(ok bool, format string, args ...interface{}) error {
	if ok {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrAssertion, fmt.Sprintf(format, args...))
}

// assertEqual fails unless got and want are deeply equal.
func assertEqual(what string, got, want interface{}) error {
	if reflect.DeepEqual(got, want) {
		return nil
	}
	return fmt.Errorf("%w: %s: got %s, want %s", ErrAssertion, what,
		spew.Sprint(got), spew.Sprint(want))
}
