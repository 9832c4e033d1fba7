package helpers

import (
	"strings"

	"github.com/juju/errors"
)

// FoldErrors flattens a slice of possibly-nil errors into one error,
// or nil if none were set.
func FoldErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	ss := make([]string, 0, len(errs))
	for _, e := range errs {
		if e != nil {
			ss = append(ss, e.Error())
		}
	}
	if len(ss) == 0 {
		return nil
	}
	return errors.New(strings.Join(ss, "\n"))
}
