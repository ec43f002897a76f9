package fpgatopo

import (
	"strings"

	"github.com/pkg/errors"
)

// Error kinds raised while resolving parameters and building a topology.
// Callers match them with errors.Is; the returned errors wrap them with context.
var (
	// ErrInvalidDuration flags a delay string that does not match <magnitude><prefix>s
	ErrInvalidDuration = errors.New("invalid duration format")

	// ErrInvalidTopologyShape flags tree dimensions that cannot produce a rooted tree
	ErrInvalidTopologyShape = errors.New("invalid topology shape")

	// ErrInvalidLinkSpec flags a negative bandwidth or a loss outside [0,100]
	ErrInvalidLinkSpec = errors.New("invalid link spec")

	// ErrInternal flags a broken construction invariant (name collision, parallel edge)
	ErrInternal = errors.New("internal error")
)

// ReportErrs transforms a list of errors and transforms the non-nil ones into a single error
// with comma-separated report of all the constituent errors, and returns it.
// When exactly one error is non-nil it is returned unchanged so errors.Is still sees its kind.
func ReportErrs(errs []error) error {
	errMsg := make([]string, 0)
	var first error
	for _, err := range errs {
		if err != nil {
			if first == nil {
				first = err
			}
			errMsg = append(errMsg, err.Error())
		}
	}
	switch len(errMsg) {
	case 0:
		return nil
	case 1:
		return first
	}

	// keep the kind of the first failure reachable through the aggregate
	return errors.Wrap(first, strings.Join(errMsg[1:], ","))
}
