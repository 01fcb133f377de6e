// Package orchestrator fans the listener modules out as goroutines and waits
// for all of them to finish. A module failure is logged and isolated; the
// remaining modules keep running until the context is cancelled.
package orchestrator

import (
	"context"
	"errors"
	"sync"

	"github.com/blockscan-labs/chainfeed/internal/logger"
	"github.com/blockscan-labs/chainfeed/pkg/listener"
	"go.uber.org/zap"
)

// Orchestrator runs a set of listener modules to completion.
type Orchestrator struct {
	runners []listener.Runner
	log     *zap.Logger

	mu       sync.Mutex
	failures map[string]error
}

// New creates an orchestrator over the given modules.
func New(log *zap.Logger, runners ...listener.Runner) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		runners:  runners,
		log:      logger.WithComponent(log, "orchestrator"),
		failures: make(map[string]error),
	}
}

// Run starts every module and blocks until all of them return. It returns
// nil on a clean shutdown and an aggregate error when any module failed.
func (o *Orchestrator) Run(ctx context.Context) error {
	if len(o.runners) == 0 {
		return errors.New("no modules configured")
	}

	var wg sync.WaitGroup
	for _, r := range o.runners {
		wg.Add(1)
		go func(r listener.Runner) {
			defer wg.Done()
			o.log.Info("starting module", zap.String("module", r.Name()))

			err := r.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				o.log.Error("module failed",
					zap.String("module", r.Name()),
					zap.Error(err),
				)
				o.recordFailure(r.Name(), err)
				return
			}
			o.log.Info("module stopped", zap.String("module", r.Name()))
		}(r)
	}

	wg.Wait()

	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.failures) > 0 {
		errs := make([]error, 0, len(o.failures))
		for _, err := range o.failures {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}
	return nil
}

// Failures returns the errors of modules that terminated abnormally, keyed
// by module name.
func (o *Orchestrator) Failures() map[string]error {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]error, len(o.failures))
	for name, err := range o.failures {
		out[name] = err
	}
	return out
}

func (o *Orchestrator) recordFailure(name string, err error) {
	o.mu.Lock()
	o.failures[name] = err
	o.mu.Unlock()
}
