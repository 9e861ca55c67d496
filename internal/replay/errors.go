package replay

import "errors"

var (
	// ErrInvalidOrdering is returned when transitions are not contiguous from the replay start.
	ErrInvalidOrdering = errors.New("transitions are not in commit order")

	// ErrDivergence is returned when re-executing a transition does not reproduce the stored record.
	ErrDivergence = errors.New("replayed transition diverges from journal")
)
