package broker

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/axisrow/alpaca-bot/internal/domain"
)

// Compile-time interface check.
var _ ExecutionPort = (*SimulatorPort)(nil)

// SimulatorPort is an in-memory ExecutionPort for paper mode and tests. It
// tracks cash and positions value directly and can be primed to fail.
type SimulatorPort struct {
	tier string

	mu             sync.Mutex
	cash           decimal.Decimal
	positionsValue decimal.Decimal

	// nextErr, when set, is returned by the next call and then cleared.
	nextErr error
}

// NewSimulatorPort creates a simulator for the named tier with zero
// balances.
func NewSimulatorPort(tier string) *SimulatorPort {
	return &SimulatorPort{tier: tier}
}

// Name returns the tier identifier.
func (p *SimulatorPort) Name() string { return p.tier }

// GetBalance returns the simulated balances.
func (p *SimulatorPort) GetBalance(_ context.Context) (Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeErr(); err != nil {
		return Balance{}, err
	}
	return Balance{
		Cash:           p.cash,
		PositionsValue: p.positionsValue,
		Equity:         p.cash.Add(p.positionsValue),
	}, nil
}

// ApplyCapitalDelta moves cash in or out of the simulated account.
func (p *SimulatorPort) ApplyCapitalDelta(_ context.Context, amount decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeErr(); err != nil {
		return err
	}
	next := p.cash.Add(amount)
	if next.IsNegative() {
		return &domain.PortError{
			Kind: domain.PortFatal,
			Tier: p.tier,
			Op:   "ApplyCapitalDelta",
			Err:  domain.ErrInsufficientFunds,
		}
	}
	p.cash = next
	return nil
}

// SetPositionsValue overrides the simulated market value of holdings,
// standing in for market drift between cycles.
func (p *SimulatorPort) SetPositionsValue(v decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positionsValue = v
}

// FailNext makes the next port call return err.
func (p *SimulatorPort) FailNext(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextErr = err
}

func (p *SimulatorPort) takeErr() error {
	err := p.nextErr
	p.nextErr = nil
	return err
}
