// Package marketclock answers two scheduling questions: is the US equity
// market open right now, and how many trading days have passed since a given
// date. The production implementation uses the Alpaca clock and calendar
// APIs; a weekday approximation serves paper mode and tests.
package marketclock

import (
	"context"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"

	"github.com/axisrow/alpaca-bot/internal/domain"
)

// Clock reports market-session state.
type Clock interface {
	// IsOpen reports whether the market is currently in a regular session.
	IsOpen(ctx context.Context) (bool, error)

	// TradingDaysElapsed counts completed trading days strictly after since
	// and up to today.
	TradingDaysElapsed(ctx context.Context, since time.Time) (int, error)
}

// Compile-time interface checks.
var _ Clock = (*AlpacaClock)(nil)
var _ Clock = (*WeekdayClock)(nil)

// AlpacaClock is a Clock backed by the Alpaca trading API.
type AlpacaClock struct {
	client *alpaca.Client
	loc    *time.Location
}

// NewAlpacaClock creates a clock using the given Alpaca credentials and the
// exchange timezone.
func NewAlpacaClock(apiKey, apiSecret, baseURL string, loc *time.Location) *AlpacaClock {
	return &AlpacaClock{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		loc: loc,
	}
}

func (c *AlpacaClock) IsOpen(_ context.Context) (bool, error) {
	clock, err := c.client.GetClock()
	if err != nil {
		return false, &domain.PortError{Kind: domain.PortTransient, Op: "GetClock", Err: err}
	}
	return clock.IsOpen, nil
}

// TradingDaysElapsed counts exchange sessions between since (exclusive) and
// today (inclusive) using the trading calendar.
func (c *AlpacaClock) TradingDaysElapsed(_ context.Context, since time.Time) (int, error) {
	now := time.Now().In(c.loc)
	start := since.In(c.loc)
	if !start.Before(now) {
		return 0, nil
	}

	calendar, err := c.client.GetCalendar(alpaca.GetCalendarRequest{
		Start: start,
		End:   now,
	})
	if err != nil {
		return 0, &domain.PortError{Kind: domain.PortTransient, Op: "GetCalendar", Err: err}
	}

	sinceDate := start.Format("2006-01-02")
	count := 0
	for _, day := range calendar {
		if day.Date > sinceDate {
			count++
		}
	}
	return count, nil
}

// WeekdayClock approximates the trading calendar by counting weekdays. It
// ignores exchange holidays, which overestimates elapsed sessions by at most
// a couple of days per year.
type WeekdayClock struct {
	loc *time.Location
	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

func NewWeekdayClock(loc *time.Location) *WeekdayClock {
	return &WeekdayClock{loc: loc, Now: time.Now}
}

func (c *WeekdayClock) IsOpen(_ context.Context) (bool, error) {
	now := c.Now().In(c.loc)
	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return false, nil
	}
	open := time.Date(now.Year(), now.Month(), now.Day(), 9, 30, 0, 0, c.loc)
	close := time.Date(now.Year(), now.Month(), now.Day(), 16, 0, 0, 0, c.loc)
	return !now.Before(open) && now.Before(close), nil
}

func (c *WeekdayClock) TradingDaysElapsed(_ context.Context, since time.Time) (int, error) {
	now := c.Now().In(c.loc)
	day := since.In(c.loc)
	day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, c.loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, c.loc)

	count := 0
	for d := day.AddDate(0, 0, 1); !d.After(today); d = d.AddDate(0, 0, 1) {
		if d.Weekday() != time.Saturday && d.Weekday() != time.Sunday {
			count++
		}
	}
	return count, nil
}
