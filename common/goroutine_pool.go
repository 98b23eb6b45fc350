package common

import (
	"fmt"

	"github.com/panjf2000/ants/v2"
	log "github.com/sirupsen/logrus"
)

// MaxPoolWorkers caps every pool regardless of configuration
const MaxPoolWorkers = 64

type PoolConfig struct {
	MaxWorkers int
}

// NewPool creates a blocking ants pool sized to MaxWorkers, clamped to [1, MaxPoolWorkers].
// A panicking task is logged instead of taking the process down.
func NewPool(config PoolConfig) (*ants.Pool, error) {
	size := config.MaxWorkers
	if size <= 0 || size > MaxPoolWorkers {
		size = MaxPoolWorkers
	}

	pool, err := ants.NewPool(size, ants.WithPanicHandler(func(p interface{}) {
		log.Errorf("[Pool] task panicked: %v", p)
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to create ants goroutine pool: %w", err)
	}
	return pool, nil
}
