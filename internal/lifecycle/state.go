package lifecycle

import (
	"errors"
	"fmt"
)

// State 是实例生命周期中的阶段，只能单向推进。
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActive     State = "active"
	// StateRedundant 表示实例安装失败或已被新实例取代。
	StateRedundant State = "redundant"
)

var stateOrder = map[State]int{
	StateInstalling: 0,
	StateInstalled:  1,
	StateActivating: 2,
	StateActive:     3,
	StateRedundant:  4,
}

// ErrInvalidTransition 表示尝试回退或跳过生命周期阶段。
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// checkTransition 允许前进一步，或从任何阶段进入 redundant。
func checkTransition(from, to State) error {
	if to == StateRedundant && from != StateRedundant {
		return nil
	}
	if stateOrder[to] != stateOrder[from]+1 {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
