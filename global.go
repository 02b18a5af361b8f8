package stepflow

import (
	"os"

	"github.com/flowforge/stepflow/internal/logs"
	"github.com/flowforge/stepflow/persistence"
)

// coreLogger is the [BATCH-ENGINE:CORE] debug channel: chain, step, and
// controller decisions. The sibling [BATCH-ENGINE:PERSISTANCE] channel
// lives in the persistence package itself (it must not import back into
// the root package), configured through SetPersistenceLogger below. Each
// channel is independently toggled to Debug level via an environment
// variable read once at package init.
var coreLogger logs.Logger = logs.NewLogger(os.Stdout, levelFromEnv("BATCH_ENGINE_CORE_DEBUG"), "BATCH-ENGINE:CORE")

func levelFromEnv(name string) logs.LogLevel {
	if os.Getenv(name) != "" {
		return logs.Debug
	}
	return logs.Info
}

// SetLogger overrides the core engine's logger (chain/step/controller
// decisions). Persistence logging is configured separately via
// SetPersistenceLogger.
func SetLogger(l logs.Logger) {
	coreLogger = l
}

// SetPersistenceLogger overrides the persistence context's logger.
func SetPersistenceLogger(l logs.Logger) {
	persistence.SetLogger(l)
}
