package proxy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/any-hub/offline-hub/internal/strategy"
)

// StrategyRegistration 把一个策略与其执行器绑定，注册前先校验。
type StrategyRegistration struct {
	Strategy strategy.Strategy
	Executor Executor
}

// ErrStrategyHandlerExists indicates an executor has already been registered for the strategy.
var ErrStrategyHandlerExists = errors.New("strategy handler already registered")

// Validate ensures both strategy and executor are present before registration.
func (r StrategyRegistration) Validate() error {
	if strings.TrimSpace(string(r.Strategy)) == "" {
		return errors.New("strategy required")
	}
	if r.Executor == nil {
		return errors.New("strategy executor required")
	}
	return nil
}

// Register 注册执行器，同一策略重复注册返回 ErrStrategyHandlerExists。
func (f *Forwarder) Register(reg StrategyRegistration) error {
	if err := reg.Validate(); err != nil {
		return err
	}
	normalized := normalizeStrategy(reg.Strategy)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.executors[normalized]; exists {
		return fmt.Errorf("%w: %s", ErrStrategyHandlerExists, normalized)
	}
	f.executors[normalized] = reg.Executor
	return nil
}

// MustRegister panics when registration fails; suitable for startup wiring.
func (f *Forwarder) MustRegister(reg StrategyRegistration) {
	if err := f.Register(reg); err != nil {
		panic(err)
	}
}

func normalizeStrategy(s strategy.Strategy) strategy.Strategy {
	return strategy.Strategy(strings.ToLower(strings.TrimSpace(string(s))))
}
