package inference

import (
	"context"
	"fmt"

	"github.com/Tutortoise/presence-detection-service/models"
	"github.com/cyclopcam/logs"
)

// Backend runs inference on sessions borrowed from a pool.
// One Backend can be shared by any number of schedulers.
type Backend struct {
	log  logs.Log
	pool *SessionPool
}

func NewBackend(log logs.Log, pool *SessionPool) *Backend {
	return &Backend{
		log:  log,
		pool: pool,
	}
}

func (b *Backend) Pool() *SessionPool {
	return b.pool
}

type runResult struct {
	outputs map[string]*models.Tensor
	err     error
}

// Infer runs one inference. If ctx ends before the model finishes, Infer returns ctx.Err()
// immediately, and the session goes back to the pool once the abandoned run completes.
func (b *Backend) Infer(ctx context.Context, inputs map[string]*models.Tensor) (map[string]*models.Tensor, error) {
	session, err := b.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire session: %w", err)
	}

	done := make(chan runResult, 1)
	go func() {
		var res runResult
		defer func() {
			if r := recover(); r != nil {
				res = runResult{err: fmt.Errorf("inference panic: %v", r)}
				b.pool.Discard(session, res.err)
			} else {
				b.pool.Release(session)
			}
			done <- res
		}()
		res.outputs, res.err = session.Run(inputs)
	}()

	select {
	case res := <-done:
		return res.outputs, res.err
	case <-ctx.Done():
		b.log.Warnf("Abandoning inference: %v. The session stays busy until the model returns", ctx.Err())
		return nil, ctx.Err()
	}
}
