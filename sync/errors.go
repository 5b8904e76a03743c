package sync

import (
	"errors"
	"fmt"
)

// ErrTimeout is wrapped into the error of a sync operation that
// exceeds its per-call budget (10s coin subscriptions, 45s puzzle
// subscriptions). The underlying error (typically
// context.DeadlineExceeded) is kept only in the message text.
var ErrTimeout = errors.New("sync: operation timed out")

// ErrDatabase is wrapped into the error of any persistence failure
// surfaced by walletdb during sync; the store's own error is kept only
// in the message text. No partial state is left committed.
var ErrDatabase = errors.New("sync: database error")

// CoinStateRejectedError reports a RejectCoinState response.
type CoinStateRejectedError struct{ Reason string }

func (e *CoinStateRejectedError) Error() string {
	return fmt.Sprintf("sync: peer rejected coin state subscription: %s", e.Reason)
}

// PuzzleStateRejectedError reports a RejectPuzzleState response.
type PuzzleStateRejectedError struct{ Reason string }

func (e *PuzzleStateRejectedError) Error() string {
	return fmt.Sprintf("sync: peer rejected puzzle state subscription: %s", e.Reason)
}
