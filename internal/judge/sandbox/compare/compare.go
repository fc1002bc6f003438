// Package compare decides whether a program's output matches the expected answer.
//
// The policy is fixed: leading and trailing whitespace of both texts is ignored
// and the remainder must match byte for byte. Interior whitespace, including
// trailing spaces on inner lines, is significant.
package compare

import (
	"strings"

	"kurooj/internal/judge/sandbox/result"
)

// Equal reports whether actual matches expected under the trim policy.
func Equal(actual, expected string) bool {
	return strings.TrimSpace(actual) == strings.TrimSpace(expected)
}

// Grade turns a provisional Ran outcome into Accepted or WrongAnswer.
// Outcomes with any other status are returned unchanged.
func Grade(outcome result.ExecutionOutcome, expected string) result.ExecutionOutcome {
	if outcome.Status != result.StatusRan {
		return outcome
	}
	if outcome.StdoutTruncated {
		outcome.Status = result.StatusWrongAnswer
		return outcome
	}
	if Equal(outcome.Stdout, expected) {
		outcome.Status = result.StatusAccepted
	} else {
		outcome.Status = result.StatusWrongAnswer
	}
	return outcome
}
