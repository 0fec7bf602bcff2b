package engine

import (
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/policyflow/policyflow/pkg/storage"
)

type EngineOption = func(*Engine)

func EngineWithStorage(persistence storage.Storage) EngineOption {
	return func(engine *Engine) {
		engine.persistence = persistence
	}
}

func EngineWithName(name string) EngineOption {
	return func(engine *Engine) {
		engine.name = name
	}
}

func EngineWithLogger(logger hclog.Logger) EngineOption {
	return func(engine *Engine) {
		engine.log = logger
	}
}

// EngineWithClock replaces the wall clock, used by tests to control
// lease deadlines.
func EngineWithClock(clock func() time.Time) EngineOption {
	return func(engine *Engine) {
		engine.clock = clock
	}
}

// EngineWithLeaseDuration sets how long an activated job stays leased
// to a worker before the sweeper hands it out again.
func EngineWithLeaseDuration(d time.Duration) EngineOption {
	return func(engine *Engine) {
		engine.leaseDuration = d
	}
}

func EngineWithSweepInterval(d time.Duration) EngineOption {
	return func(engine *Engine) {
		engine.sweepInterval = d
	}
}
