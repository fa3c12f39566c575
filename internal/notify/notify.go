// Package notify is the fire-and-forget push-notification collaborator.
// Delivery is best effort and never affects batch correctness.
package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// Notifier is told when a deferred-upload batch finishes.
type Notifier interface {
	BatchCompleted(ctx context.Context, sharingGroupUUID string, deferredIDs []int64)
}

// LogNotifier records completions in the log. It stands in for a real push
// gateway in dev and test environments.
type LogNotifier struct {
	log zerolog.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) BatchCompleted(ctx context.Context, sharingGroupUUID string, deferredIDs []int64) {
	n.log.Info().
		Str("sharing_group", sharingGroupUUID).
		Ints64("deferred_ids", deferredIDs).
		Msg("deferred upload batch completed")
}
