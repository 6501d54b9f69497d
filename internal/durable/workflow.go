// Package durable wraps the Execute-Trade use case as a DBOS-checkpointed
// workflow when the deployment is configured with a durability database, so
// a process crash mid-execution replays the interrupted attempt from DBOS's
// own step log instead of relying solely on the pending-order KV marker in
// internal/execute.
//
// Grounded on internal/engine/durable/workflow.go and engine.go's
// DBOSContext/RegisterWorkflow/RunAsStep/RunWorkflow shape, adapted from
// wrapping position-manager slot actions to wrapping one Execute-Trade call
// per workflow. This package is optional: config.StorageConfig.DatabaseURL
// being empty (the default, in any mode) means the
// engine calls execute.Executor directly and never constructs an Engine,
// matching the teacher's own engine_type: simple/dbos split.
package durable

import (
	"context"
	"time"

	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/execute"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
)

// Engine launches a DBOS runtime and registers the Execute-Trade workflow
// against it.
type Engine struct {
	ctx      dbos.DBOSContext
	executor *execute.Executor
}

// workflowInput is the durable-workflow payload; DBOS requires inputs to be
// passed by value through its checkpoint log.
type workflowInput struct {
	Req execute.Request
}

// New connects to databaseURL, registers the Execute-Trade workflow under
// appName, and launches the DBOS runtime. Callers should defer Shutdown.
func New(databaseURL, appName string, executor *execute.Executor) (*Engine, error) {
	ctx, err := dbos.NewDBOSContext(dbos.Config{AppName: appName, DatabaseURL: databaseURL})
	if err != nil {
		return nil, err
	}

	e := &Engine{ctx: ctx, executor: executor}
	dbos.RegisterWorkflow(ctx, e.executeWorkflow)

	if err := ctx.Launch(); err != nil {
		return nil, err
	}
	return e, nil
}

// executeWorkflow runs the full Execute-Trade call as a single DBOS step.
// Executor.Execute already idempotency-claims internally, so a replay after
// a crash either finds the claim already committed (returns the original
// result as a duplicate) or resumes a genuinely incomplete attempt; a finer
// per-sub-step split (place as one step, persist as another) would need
// Executor to expose that internal seam across the package boundary, which
// it deliberately does not.
func (e *Engine) executeWorkflow(ctx dbos.DBOSContext, input workflowInput) (execute.Result, error) {
	resultRaw, err := ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		return e.executor.Execute(stepCtx, input.Req)
	})
	if err != nil {
		return execute.Result{}, err
	}
	return resultRaw.(execute.Result), nil
}

// Execute runs req as a durable workflow and blocks for its result.
func (e *Engine) Execute(ctx context.Context, req execute.Request) (execute.Result, error) {
	handle, err := dbos.RunWorkflow(e.ctx, e.executeWorkflow, workflowInput{Req: req})
	if err != nil {
		return execute.Result{}, err
	}
	return handle.GetResult()
}

// Shutdown stops the DBOS runtime, waiting up to 30s for in-flight steps.
func (e *Engine) Shutdown() {
	e.ctx.Shutdown(30 * time.Second)
}
