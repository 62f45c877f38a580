package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"github.com/axisrow/alpaca-bot/internal/domain"
)

// Compile-time interface check.
var _ ExecutionPort = (*AlpacaPort)(nil)

// AlpacaPort is an ExecutionPort backed by one Alpaca trading account.
type AlpacaPort struct {
	tier   string
	client *alpaca.Client
	log    *slog.Logger
}

// NewAlpacaPort creates a port for the named tier using the given Alpaca
// credentials and API endpoint.
func NewAlpacaPort(tier, apiKey, apiSecret, baseURL string) *AlpacaPort {
	return &AlpacaPort{
		tier: tier,
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		log: slog.Default().With("port", tier),
	}
}

// Name returns the tier identifier.
func (p *AlpacaPort) Name() string { return p.tier }

// GetBalance fetches the account snapshot from the Alpaca API.
func (p *AlpacaPort) GetBalance(_ context.Context) (Balance, error) {
	acct, err := p.client.GetAccount()
	if err != nil {
		return Balance{}, p.wrap("GetBalance", err)
	}
	return Balance{
		Cash:           acct.Cash,
		PositionsValue: acct.Equity.Sub(acct.Cash),
		Equity:         acct.Equity,
	}, nil
}

// ApplyCapitalDelta validates the requested capital change against the
// account. Cash actually moves through external transfers outside this
// process, so the port acknowledges the delta after checking that an
// outflow is covered by available cash.
func (p *AlpacaPort) ApplyCapitalDelta(ctx context.Context, amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	bal, err := p.GetBalance(ctx)
	if err != nil {
		return err
	}
	if amount.IsNegative() && bal.Cash.Add(amount).IsNegative() {
		return &domain.PortError{
			Kind: domain.PortFatal,
			Tier: p.tier,
			Op:   "ApplyCapitalDelta",
			Err:  fmt.Errorf("outflow %s exceeds cash %s", amount.Neg(), bal.Cash),
		}
	}
	p.log.Info("capital delta acknowledged", "amount", amount.String())
	return nil
}

// wrap converts an Alpaca API failure into a classified *domain.PortError.
// Auth and validation failures cannot succeed on retry; everything else
// (5xx, rate limits, network faults) is transient.
func (p *AlpacaPort) wrap(op string, err error) error {
	kind := domain.PortTransient
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 401, 403, 404, 422:
			kind = domain.PortFatal
		}
	}
	return &domain.PortError{Kind: kind, Tier: p.tier, Op: op, Err: err}
}
