package audit

import "context"

// Logger is the minimal logging interface the recorder requires.
type Logger interface {
	Warn(msg string, args ...any)
}

// Recorder adapts the repository to the fire-and-forget shape the
// coordination layer expects. A failed write is logged and swallowed:
// the audit trail must never block or fail a device mutation.
type Recorder struct {
	repo   Repository
	logger Logger
}

// NewRecorder creates a recorder over a repository.
func NewRecorder(repo Repository, logger Logger) *Recorder {
	return &Recorder{repo: repo, logger: logger}
}

// Record writes one audit entry, best-effort.
func (r *Recorder) Record(ctx context.Context, action, serial, actor string, seq int64, forced bool) {
	err := r.repo.Create(ctx, &Entry{
		Action: action,
		Serial: serial,
		Actor:  actor,
		Seq:    seq,
		Forced: forced,
	})
	if err != nil && r.logger != nil {
		r.logger.Warn("audit write failed",
			"action", action,
			"serial", serial,
			"error", err)
	}
}
