package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ETAnderson/catalogsync/internal/logging"
	"github.com/ETAnderson/catalogsync/internal/state"
)

// ReapAbandonedRuns fails processing runs that have not sent a heartbeat
// within lease, freeing their site for a new run.
func ReapAbandonedRuns(ctx context.Context, store state.RunStore, lease time.Duration, log logrus.FieldLogger) ([]string, error) {
	if lease <= 0 {
		lease = DefaultRunLease
	}
	ids, err := store.ReapRuns(ctx, time.Now().UTC().Add(-lease))
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		logging.OrDiscard(log).WithFields(logrus.Fields{"run_id": id, "lease": lease.String()}).Warn("abandoned run marked failed")
	}
	return ids, nil
}
