// Package durable wraps the in-memory Execution Engine in a DBOS-backed
// workflow so an Execute call survives a process crash mid-open: DBOS's
// local workflow store (sqlite, via mattn/go-sqlite3) replays the attempt
// instead of leaving an orphaned Leg1 behind (spec's durable execution
// mode, generalizing the teacher's internal/engine/durable).
package durable

import (
	"context"
	"time"

	"deltaneutral/internal/core"
	"deltaneutral/internal/execution"
	"deltaneutral/internal/types"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
)

// Engine implements the same Execute contract as execution.Engine, backed
// by a durable DBOS workflow.
type Engine struct {
	dbosCtx dbos.DBOSContext
	inner   *execution.Engine
	logger  core.ILogger
}

// NewEngine wraps inner with a durable DBOS-backed workflow layer. dbosCtx
// is constructed and configured by the caller (database DSN, app name);
// this package only registers and runs workflows against it.
func NewEngine(dbosCtx dbos.DBOSContext, inner *execution.Engine, logger core.ILogger) *Engine {
	return &Engine{
		dbosCtx: dbosCtx,
		inner:   inner,
		logger:  logger.WithField("component", "durable_engine"),
	}
}

// Start launches the DBOS runtime.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info("starting durable execution engine")
	return e.dbosCtx.Launch()
}

// Stop shuts down the DBOS runtime, giving in-flight steps up to 30s to
// finish.
func (e *Engine) Stop() error {
	e.logger.Info("stopping durable execution engine")
	e.dbosCtx.Shutdown(30 * time.Second)
	return nil
}

// Execute opens a delta-neutral pair via a durable workflow. The
// opportunity becomes the workflow's recorded input, so a crash between
// Leg1 submission and the Leg2 hedge re-enters the same workflow instance
// on restart rather than losing track of the attempt.
func (e *Engine) Execute(ctx context.Context, opp *types.Opportunity) (*types.Trade, error) {
	handle, err := e.dbosCtx.RunWorkflow(e.dbosCtx, e.openWorkflow, opp)
	if err != nil {
		return nil, err
	}
	result, err := handle.GetResult()
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	return result.(*types.Trade), nil
}

// openWorkflow is the durable workflow body. execution.Engine already owns
// leg-by-leg recovery within one attempt (rollback on hedge failure); DBOS
// contributes at-least-once re-entry of the whole attempt across a process
// restart, recorded as a single step.
func (e *Engine) openWorkflow(wctx dbos.DBOSContext, input any) (any, error) {
	opp := input.(*types.Opportunity)
	return wctx.RunAsStep(wctx, func(stepCtx context.Context) (any, error) {
		return e.inner.Execute(stepCtx, opp)
	})
}
