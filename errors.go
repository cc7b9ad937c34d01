package chm

import (
	"fmt"

	"github.com/pkg/errors"
)

// ContractViolation is raised for precondition bugs: invalid options passed
// to New, use of a Map through a closed Registration, a CAS retry loop that
// exceeded its ceiling, or a facade operation that crossed more than
// maxChainHops tables. None of these are recoverable; callers should treat
// a ContractViolation panic the same way they would an out-of-bounds slice
// access.
type ContractViolation struct {
	cause error
}

func (c ContractViolation) Error() string {
	return "chm: contract violation: " + c.cause.Error()
}

func (c ContractViolation) Unwrap() error {
	return c.cause
}

func violate(format string, args ...any) {
	panic(ContractViolation{cause: errors.WithStack(fmt.Errorf(format, args...))})
}

func violateErr(err error) {
	panic(ContractViolation{cause: errors.WithStack(err)})
}

// assertRetries panics a ContractViolation if a CAS retry loop has spun
// past its ceiling, which indicates a loop bug rather than ordinary
// contention (spec.md §7/§9).
func assertRetries(attempt int, ceiling int, what string) {
	if attempt >= ceiling {
		violate("%s: exceeded %d retries without making progress", what, ceiling)
	}
}
