package engine

import (
	"context"
	"log"

	"github.com/vantage-energy/ems-core/domain"
)

// noopRecorder is substituted when no database is configured, per
// spec.md's policy that persistence failures must not abort a cycle —
// the simplest such policy is to not attempt persistence at all.
type noopRecorder struct{}

func (noopRecorder) Record(context.Context, domain.PlanSnapshotRecord) error { return nil }
func (noopRecorder) Close() error                                           { return nil }

// loggingNotifier is the production Notifier: the spec's non-goal
// explicitly excludes building a real chat backend, so the only
// surface that must exist is "somewhere to report", satisfied by a log
// line under the same logger every other subsystem uses.
type loggingNotifier struct {
	logger *log.Logger
}

func (n loggingNotifier) Notify(_ context.Context, text string) error {
	n.logger.Printf("[notify] %s", text)
	return nil
}
