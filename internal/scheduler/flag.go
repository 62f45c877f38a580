package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Flag is the file-backed stamp recording the last completed rebalance
// date. The file holds a single YYYY-MM-DD string in exchange time, so the
// state survives restarts and a crashed run never double-rebalances a day.
type Flag struct {
	path string
	loc  *time.Location
}

func NewFlag(path string, loc *time.Location) *Flag {
	return &Flag{path: path, loc: loc}
}

// LastRebalance returns the recorded date, or the zero time when none is
// recorded yet.
func (f *Flag) LastRebalance() (time.Time, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read flag: %w", err)
	}
	t, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(string(data)), f.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse flag %q: %w", strings.TrimSpace(string(data)), err)
	}
	return t, nil
}

// RebalancedToday reports whether the flag carries today's date.
func (f *Flag) RebalancedToday() bool {
	last, err := f.LastRebalance()
	if err != nil || last.IsZero() {
		return false
	}
	return last.Format("2006-01-02") == time.Now().In(f.loc).Format("2006-01-02")
}

// Write stamps the flag with today's date.
func (f *Flag) Write() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create flag dir: %w", err)
	}
	today := time.Now().In(f.loc).Format("2006-01-02")
	if err := os.WriteFile(f.path, []byte(today), 0o644); err != nil {
		return fmt.Errorf("write flag: %w", err)
	}
	return nil
}
