package auditlog

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Recorder writes audit entries after the workflow change they describe has
// committed. A failed write is logged and dropped; it never undoes the
// change.
type Recorder struct {
	repo   Repository
	logger zerolog.Logger
	now    func() time.Time
}

func NewRecorder(repo Repository, logger zerolog.Logger) *Recorder {
	return &Recorder{repo: repo, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

func (r *Recorder) Record(ctx context.Context, e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = r.now()
	}
	if err := r.repo.Append(ctx, &e); err != nil {
		evt := r.logger.Error().Err(err).Str("action", e.Action).Str("user_id", e.UserID)
		if e.OrderID != nil {
			evt = evt.Str("order_id", e.OrderID.String())
		}
		evt.Msg("audit log write failed")
	}
}
