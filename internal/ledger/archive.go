package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"

	"github.com/axisrow/alpaca-bot/internal/domain"
)

// Archive persists snapshot history in an export-friendly format, alongside
// the authoritative SQLite copy.
type Archive interface {
	AppendSnapshots(ctx context.Context, investorName string, snaps []domain.Snapshot) error
	ReadSnapshots(ctx context.Context, investorName string) ([]domain.Snapshot, error)
	// FilePath returns the archive file for one investor, for export.
	FilePath(investorName string) string
}

var _ Archive = (*ParquetArchive)(nil)

// ParquetArchive stores one Parquet file per investor.
// Layout: <Dir>/<investor name>.parquet
type ParquetArchive struct {
	Dir string
}

func NewParquetArchive(dir string) *ParquetArchive {
	return &ParquetArchive{Dir: dir}
}

// snapshotRecord is the Parquet schema for archived daily balances. Amounts
// are decimal strings so archived values round-trip exactly.
type snapshotRecord struct {
	Date          string `parquet:"date"`
	Tier          string `parquet:"tier"`
	Amount        string `parquet:"amount"`
	Total         string `parquet:"total"`
	HighWaterMark string `parquet:"high_water_mark"`
}

func (a *ParquetArchive) FilePath(investorName string) string {
	return filepath.Join(a.Dir, investorName+".parquet")
}

// AppendSnapshots merges snaps into the investor's archive file. Rows
// already present for a (date, tier) pair are kept; the archive is
// append-once like the SQLite snapshots table.
func (a *ParquetArchive) AppendSnapshots(_ context.Context, investorName string, snaps []domain.Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	path := a.FilePath(investorName)
	var existing []snapshotRecord
	if _, err := os.Stat(path); err == nil {
		// An unreadable archive must not be rewritten with only the new
		// rows; that would drop the investor's whole history.
		existing, err = readParquetFile[snapshotRecord](path)
		if err != nil {
			return fmt.Errorf("read archive %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat archive %s: %w", path, err)
	}

	type key struct{ date, tier string }
	seen := make(map[key]bool, len(existing))
	for _, r := range existing {
		seen[key{r.Date, r.Tier}] = true
	}

	merged := existing
	for _, snap := range snaps {
		tiers := make([]string, 0, len(snap.PerTier))
		for tier := range snap.PerTier {
			tiers = append(tiers, tier)
		}
		sort.Strings(tiers)
		for _, tier := range tiers {
			k := key{snap.Date, tier}
			if seen[k] {
				continue
			}
			seen[k] = true
			merged = append(merged, snapshotRecord{
				Date:          snap.Date,
				Tier:          tier,
				Amount:        snap.PerTier[tier].String(),
				Total:         snap.Total.String(),
				HighWaterMark: snap.HighWaterMark.String(),
			})
		}
	}

	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Date != merged[j].Date {
			return merged[i].Date < merged[j].Date
		}
		return merged[i].Tier < merged[j].Tier
	})

	if err := writeParquetFile(path, merged); err != nil {
		return fmt.Errorf("writing archive for %s: %w", investorName, err)
	}
	return nil
}

// ReadSnapshots reads back the full archived history for one investor,
// grouped by date.
func (a *ParquetArchive) ReadSnapshots(_ context.Context, investorName string) ([]domain.Snapshot, error) {
	path := a.FilePath(investorName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	records, err := readParquetFile[snapshotRecord](path)
	if err != nil {
		return nil, fmt.Errorf("reading archive for %s: %w", investorName, err)
	}

	var out []domain.Snapshot
	byDate := make(map[string]int)
	for _, r := range records {
		amt, err := decimal.NewFromString(r.Amount)
		if err != nil {
			return nil, fmt.Errorf("parse archived amount %q: %w", r.Amount, err)
		}
		idx, ok := byDate[r.Date]
		if !ok {
			total, err := decimal.NewFromString(r.Total)
			if err != nil {
				return nil, fmt.Errorf("parse archived total %q: %w", r.Total, err)
			}
			mark, err := decimal.NewFromString(r.HighWaterMark)
			if err != nil {
				return nil, fmt.Errorf("parse archived mark %q: %w", r.HighWaterMark, err)
			}
			out = append(out, domain.Snapshot{
				Date:          r.Date,
				Total:         total,
				PerTier:       make(map[string]decimal.Decimal),
				HighWaterMark: mark,
			})
			idx = len(out) - 1
			byDate[r.Date] = idx
		}
		out[idx].PerTier[r.Tier] = amt
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	return parquet.ReadFile[T](path)
}
