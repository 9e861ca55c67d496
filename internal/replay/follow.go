package replay

import (
	"context"
	"fmt"

	"token-ledger/internal/domain"
	"token-ledger/internal/feed"
	"token-ledger/internal/token"
)

// Follow applies live feed messages to l in sequence order until ctx is
// cancelled or msgs is closed. Messages at or below l.Sequence() are skipped.
// A gap left by a feed reconnect is filled from the transition store before
// the message is applied. onApply, when set, sees each transition taken from
// the feed.
func (r *Runner) Follow(ctx context.Context, l *token.Ledger, msgs <-chan feed.Message, onApply func(*domain.Transition)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			if msg.Sequence <= l.Sequence() {
				continue
			}

			t, err := msg.Transition()
			if err != nil {
				return fmt.Errorf("decode feed sequence %d: %w", msg.Sequence, err)
			}

			if t.Sequence > l.Sequence()+1 {
				if err := r.ReplayOnto(ctx, l, t.Sequence-1); err != nil {
					return fmt.Errorf("catch up to %d: %w", t.Sequence-1, err)
				}
				if l.Sequence() != t.Sequence-1 {
					return fmt.Errorf("%w: feed at %d but store ends at %d", ErrInvalidOrdering, t.Sequence, l.Sequence())
				}
				r.logger.Printf("Filled feed gap from store, ledger at sequence %d", l.Sequence())
			}

			if err := Apply(l, t); err != nil {
				return err
			}
			if onApply != nil {
				onApply(t)
			}
		}
	}
}
