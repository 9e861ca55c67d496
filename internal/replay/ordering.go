package replay

import (
	"fmt"

	"token-ledger/internal/domain"
)

// CheckOrdering verifies that transitions carry sequences after+1, after+2, ...
// with no gap or repeat.
func CheckOrdering(transitions []*domain.Transition, after uint64) error {
	want := after + 1
	for i, t := range transitions {
		if t == nil {
			return fmt.Errorf("%w: nil transition at index %d", ErrInvalidOrdering, i)
		}
		if t.Sequence != want {
			return fmt.Errorf("%w: expected sequence %d, got %d", ErrInvalidOrdering, want, t.Sequence)
		}
		want++
	}
	return nil
}
