package worker

import (
	"context"

	"github.com/ETAnderson/catalogsync/internal/differ"
	"github.com/ETAnderson/catalogsync/internal/domain"
	"github.com/ETAnderson/catalogsync/internal/execute"
)

// EventExecutor applies one claimed notification.
type EventExecutor interface {
	Execute(ctx context.Context, ev domain.ReconciliationEvent) (execute.Result, error)
}

// RunExecutor performs one claimed differ run.
type RunExecutor interface {
	Run(ctx context.Context, opts differ.Options) (differ.Summary, error)
}
