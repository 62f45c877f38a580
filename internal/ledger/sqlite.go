package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/axisrow/alpaca-bot/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS investors (
	id                  TEXT PRIMARY KEY,
	name                TEXT NOT NULL UNIQUE,
	created_at          INTEGER NOT NULL,
	fee_percent         TEXT NOT NULL,
	is_fee_receiver     INTEGER NOT NULL DEFAULT 0,
	high_water_mark     TEXT NOT NULL,
	last_fee_charged_at INTEGER,
	balance             TEXT NOT NULL,
	status              TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS operations (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	investor_id TEXT NOT NULL,
	kind        TEXT NOT NULL,
	amount      TEXT NOT NULL,
	tier_hint   TEXT NOT NULL DEFAULT '',
	link_id     TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	state       TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_operations_state ON operations(state, seq);

CREATE TABLE IF NOT EXISTS tier_balances (
	investor_id TEXT NOT NULL,
	tier        TEXT NOT NULL,
	amount      TEXT NOT NULL,
	PRIMARY KEY (investor_id, tier)
);

CREATE TABLE IF NOT EXISTS fee_history (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	investor_id     TEXT NOT NULL,
	charged_at      INTEGER NOT NULL,
	amount          TEXT NOT NULL,
	balance         TEXT NOT NULL,
	high_water_mark TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fee_history_investor ON fee_history(investor_id, charged_at);

CREATE TABLE IF NOT EXISTS snapshots (
	investor_id     TEXT NOT NULL,
	date            TEXT NOT NULL,
	tier            TEXT NOT NULL,
	amount          TEXT NOT NULL,
	total           TEXT NOT NULL,
	high_water_mark TEXT NOT NULL,
	PRIMARY KEY (investor_id, date, tier)
);

CREATE TABLE IF NOT EXISTS flush_log (
	id             TEXT PRIMARY KEY,
	as_of          INTEGER NOT NULL,
	started_at     INTEGER NOT NULL,
	committed      INTEGER NOT NULL DEFAULT 0,
	applied_count  INTEGER NOT NULL DEFAULT 0,
	rejected_count INTEGER NOT NULL DEFAULT 0
);
`

// SQLiteStore is the production Store backed by a single SQLite file in WAL
// mode. The schema is created on open.
type SQLiteStore struct {
	db  *sql.DB
	log *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the ledger database at path.
func OpenSQLite(path string, log *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// A single writer keeps SQLite's locking out of the picture.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db, log: log}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --------------------------------------------------------------------------
// investors

const investorCols = "id, name, created_at, fee_percent, is_fee_receiver, high_water_mark, last_fee_charged_at, balance, status"

func (s *SQLiteStore) SaveInvestor(ctx context.Context, inv *domain.Investor) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO investors (`+investorCols+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		inv.ID, inv.Name, inv.CreatedAt.UTC().Unix(), inv.FeePercent.String(),
		boolToInt(inv.IsFeeReceiver), inv.HighWaterMark.String(),
		timePtrToUnix(inv.LastFeeChargedAt), inv.Balance.String(), string(inv.Status))
	if err != nil {
		return fmt.Errorf("insert investor %s: %w", inv.Name, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateInvestor(ctx context.Context, inv *domain.Investor) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE investors SET fee_percent=?, is_fee_receiver=?, high_water_mark=?,
		        last_fee_charged_at=?, balance=?, status=? WHERE id=?`,
		inv.FeePercent.String(), boolToInt(inv.IsFeeReceiver), inv.HighWaterMark.String(),
		timePtrToUnix(inv.LastFeeChargedAt), inv.Balance.String(), string(inv.Status), inv.ID)
	if err != nil {
		return fmt.Errorf("update investor %s: %w", inv.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update investor %s: %w", inv.ID, domain.ErrUnknownInvestor)
	}
	return nil
}

func (s *SQLiteStore) GetInvestor(ctx context.Context, id string) (*domain.Investor, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+investorCols+` FROM investors WHERE id=?`, id)
	return scanInvestor(row)
}

func (s *SQLiteStore) GetInvestorByName(ctx context.Context, name string) (*domain.Investor, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+investorCols+` FROM investors WHERE name=?`, name)
	return scanInvestor(row)
}

func (s *SQLiteStore) ListInvestors(ctx context.Context) ([]domain.Investor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+investorCols+` FROM investors ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list investors: %w", err)
	}
	defer rows.Close()

	var out []domain.Investor
	for rows.Next() {
		inv, err := scanInvestor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inv)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) FeeReceiver(ctx context.Context) (*domain.Investor, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+investorCols+` FROM investors WHERE is_fee_receiver=1 LIMIT 1`)
	inv, err := scanInvestor(row)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownInvestor) {
			return nil, nil
		}
		return nil, err
	}
	return inv, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvestor(row rowScanner) (*domain.Investor, error) {
	var (
		inv       domain.Investor
		createdAt int64
		feePct    string
		receiver  int
		hwm       string
		lastFee   sql.NullInt64
		balance   string
		status    string
	)
	err := row.Scan(&inv.ID, &inv.Name, &createdAt, &feePct, &receiver, &hwm, &lastFee, &balance, &status)
	if err == sql.ErrNoRows {
		return nil, domain.ErrUnknownInvestor
	}
	if err != nil {
		return nil, fmt.Errorf("scan investor: %w", err)
	}
	inv.CreatedAt = time.Unix(createdAt, 0).UTC()
	if inv.FeePercent, err = decimal.NewFromString(feePct); err != nil {
		return nil, fmt.Errorf("parse fee_percent %q: %w", feePct, err)
	}
	inv.IsFeeReceiver = receiver != 0
	if inv.HighWaterMark, err = decimal.NewFromString(hwm); err != nil {
		return nil, fmt.Errorf("parse high_water_mark %q: %w", hwm, err)
	}
	if lastFee.Valid {
		t := time.Unix(lastFee.Int64, 0).UTC()
		inv.LastFeeChargedAt = &t
	}
	if inv.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("parse balance %q: %w", balance, err)
	}
	inv.Status = domain.InvestorStatus(status)
	return &inv, nil
}

// --------------------------------------------------------------------------
// operations

func (s *SQLiteStore) AppendOperation(ctx context.Context, op *domain.PendingOperation) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO operations (id, investor_id, kind, amount, tier_hint, link_id, created_at, state, reason)
		 VALUES (?,?,?,?,?,?,?,?,?)`,
		op.ID, op.InvestorID, string(op.Kind), op.Amount.String(), op.TierHint, op.LinkID,
		op.CreatedAt.UTC().Unix(), string(op.State), op.Reason)
	if err != nil {
		return fmt.Errorf("append operation: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("operation seq: %w", err)
	}
	op.Seq = seq
	return nil
}

func (s *SQLiteStore) ListOperations(ctx context.Context, investorID string, state domain.OperationState) ([]domain.PendingOperation, error) {
	q := `SELECT seq, id, investor_id, kind, amount, tier_hint, link_id, created_at, state, reason FROM operations`
	var (
		conds []string
		args  []any
	)
	if investorID != "" {
		conds = append(conds, "investor_id=?")
		args = append(args, investorID)
	}
	if state != "" {
		conds = append(conds, "state=?")
		args = append(args, string(state))
	}
	for i, c := range conds {
		if i == 0 {
			q += " WHERE " + c
		} else {
			q += " AND " + c
		}
	}
	q += " ORDER BY seq"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var out []domain.PendingOperation
	for rows.Next() {
		var (
			op        domain.PendingOperation
			amount    string
			createdAt int64
			kind      string
			st        string
		)
		if err := rows.Scan(&op.Seq, &op.ID, &op.InvestorID, &kind, &amount, &op.TierHint, &op.LinkID, &createdAt, &st, &op.Reason); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		op.Kind = domain.OperationKind(kind)
		op.State = domain.OperationState(st)
		op.CreatedAt = time.Unix(createdAt, 0).UTC()
		if op.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse amount %q: %w", amount, err)
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetOperation(ctx context.Context, id string) (*domain.PendingOperation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT seq, id, investor_id, kind, amount, tier_hint, link_id, created_at, state, reason
		 FROM operations WHERE id=?`, id)

	var (
		op        domain.PendingOperation
		amount    string
		createdAt int64
		kind      string
		st        string
	)
	err := row.Scan(&op.Seq, &op.ID, &op.InvestorID, &kind, &amount, &op.TierHint, &op.LinkID, &createdAt, &st, &op.Reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("operation %s: %w", id, domain.ErrUnknownOperation)
	}
	if err != nil {
		return nil, fmt.Errorf("get operation: %w", err)
	}
	op.Kind = domain.OperationKind(kind)
	op.State = domain.OperationState(st)
	op.CreatedAt = time.Unix(createdAt, 0).UTC()
	if op.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	return &op, nil
}

// --------------------------------------------------------------------------
// balances and flush

func (s *SQLiteStore) TierBalances(ctx context.Context, investorID string) (map[string]decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tier, amount FROM tier_balances WHERE investor_id=?`, investorID)
	if err != nil {
		return nil, fmt.Errorf("tier balances: %w", err)
	}
	defer rows.Close()

	out := make(map[string]decimal.Decimal)
	for rows.Next() {
		var tier, amount string
		if err := rows.Scan(&tier, &amount); err != nil {
			return nil, fmt.Errorf("scan tier balance: %w", err)
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("parse tier balance %q: %w", amount, err)
		}
		out[tier] = d
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CommitFlush(ctx context.Context, commit *FlushCommit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin flush tx: %w", err)
	}
	defer tx.Rollback()

	// Stage the flush before touching balances so a torn commit is visible
	// in the log.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO flush_log (id, as_of, started_at, applied_count, rejected_count) VALUES (?,?,?,?,?)`,
		commit.ID, commit.AsOf.UTC().Unix(), time.Now().UTC().Unix(),
		len(commit.Applied), len(commit.Rejected)); err != nil {
		return fmt.Errorf("stage flush %s: %w", commit.ID, err)
	}

	for _, u := range append(append([]OperationUpdate{}, commit.Applied...), commit.Rejected...) {
		if _, err := tx.ExecContext(ctx,
			`UPDATE operations SET state=?, reason=? WHERE id=? AND state=?`,
			string(u.State), u.Reason, u.ID, string(domain.OpPending)); err != nil {
			return fmt.Errorf("transition operation %s: %w", u.ID, err)
		}
	}

	for investorID, deltas := range commit.TierDeltas {
		// Deterministic order keeps write patterns reproducible.
		tiers := make([]string, 0, len(deltas))
		for tier := range deltas {
			tiers = append(tiers, tier)
		}
		sort.Strings(tiers)
		for _, tier := range tiers {
			delta := deltas[tier]
			if delta.IsZero() {
				continue
			}
			var current string
			err := tx.QueryRowContext(ctx,
				`SELECT amount FROM tier_balances WHERE investor_id=? AND tier=?`,
				investorID, tier).Scan(&current)
			switch {
			case err == sql.ErrNoRows:
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO tier_balances (investor_id, tier, amount) VALUES (?,?,?)`,
					investorID, tier, delta.String()); err != nil {
					return fmt.Errorf("insert tier balance: %w", err)
				}
			case err != nil:
				return fmt.Errorf("read tier balance: %w", err)
			default:
				cur, perr := decimal.NewFromString(current)
				if perr != nil {
					return fmt.Errorf("parse tier balance %q: %w", current, perr)
				}
				if _, err := tx.ExecContext(ctx,
					`UPDATE tier_balances SET amount=? WHERE investor_id=? AND tier=?`,
					cur.Add(delta).String(), investorID, tier); err != nil {
					return fmt.Errorf("update tier balance: %w", err)
				}
			}
		}
	}

	for investorID, balance := range commit.Balances {
		if _, err := tx.ExecContext(ctx,
			`UPDATE investors SET balance=? WHERE id=?`, balance.String(), investorID); err != nil {
			return fmt.Errorf("update balance for %s: %w", investorID, err)
		}
	}

	for investorID, mark := range commit.Marks {
		if _, err := tx.ExecContext(ctx,
			`UPDATE investors SET high_water_mark=? WHERE id=?`, mark.String(), investorID); err != nil {
			return fmt.Errorf("update mark for %s: %w", investorID, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE flush_log SET committed=1 WHERE id=?`, commit.ID); err != nil {
		return fmt.Errorf("mark flush %s committed: %w", commit.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit flush %s: %w", commit.ID, err)
	}
	s.log.Info("flush committed",
		"flush_id", commit.ID,
		"applied", len(commit.Applied),
		"rejected", len(commit.Rejected))
	return nil
}

// --------------------------------------------------------------------------
// fees

func (s *SQLiteStore) ApplyFeeAccrual(ctx context.Context, inv *domain.Investor, charge domain.FeeCharge) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin accrual tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE investors SET high_water_mark=?, last_fee_charged_at=? WHERE id=?`,
		inv.HighWaterMark.String(), timePtrToUnix(inv.LastFeeChargedAt), inv.ID)
	if err != nil {
		return fmt.Errorf("update accrual state for %s: %w", inv.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("accrual for %s: %w", inv.ID, domain.ErrUnknownInvestor)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO fee_history (investor_id, charged_at, amount, balance, high_water_mark)
		 VALUES (?,?,?,?,?)`,
		charge.InvestorID, charge.ChargedAt.UTC().Unix(), charge.Amount.String(),
		charge.Balance.String(), charge.HighWaterMark.String()); err != nil {
		return fmt.Errorf("insert fee charge: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit accrual for %s: %w", inv.ID, err)
	}
	return nil
}

func (s *SQLiteStore) ListFeeCharges(ctx context.Context, investorID string) ([]domain.FeeCharge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT investor_id, charged_at, amount, balance, high_water_mark
		 FROM fee_history WHERE investor_id=? ORDER BY charged_at, id`, investorID)
	if err != nil {
		return nil, fmt.Errorf("list fee charges: %w", err)
	}
	defer rows.Close()

	var out []domain.FeeCharge
	for rows.Next() {
		var (
			c         domain.FeeCharge
			chargedAt int64
			amount    string
			balance   string
			hwm       string
		)
		if err := rows.Scan(&c.InvestorID, &chargedAt, &amount, &balance, &hwm); err != nil {
			return nil, fmt.Errorf("scan fee charge: %w", err)
		}
		c.ChargedAt = time.Unix(chargedAt, 0).UTC()
		if c.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse fee amount %q: %w", amount, err)
		}
		if c.Balance, err = decimal.NewFromString(balance); err != nil {
			return nil, fmt.Errorf("parse fee balance %q: %w", balance, err)
		}
		if c.HighWaterMark, err = decimal.NewFromString(hwm); err != nil {
			return nil, fmt.Errorf("parse fee mark %q: %w", hwm, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --------------------------------------------------------------------------
// snapshots

func (s *SQLiteStore) AppendSnapshots(ctx context.Context, snaps []domain.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	for _, snap := range snaps {
		tiers := make([]string, 0, len(snap.PerTier))
		for tier := range snap.PerTier {
			tiers = append(tiers, tier)
		}
		sort.Strings(tiers)
		for _, tier := range tiers {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO snapshots (investor_id, date, tier, amount, total, high_water_mark)
				 VALUES (?,?,?,?,?,?)`,
				snap.InvestorID, snap.Date, tier, snap.PerTier[tier].String(),
				snap.Total.String(), snap.HighWaterMark.String()); err != nil {
				return fmt.Errorf("insert snapshot %s/%s: %w", snap.InvestorID, snap.Date, err)
			}
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListSnapshots(ctx context.Context, investorID string) ([]domain.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date, tier, amount, total, high_water_mark
		 FROM snapshots WHERE investor_id=? ORDER BY date, tier`, investorID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []domain.Snapshot
	byDate := make(map[string]int)
	for rows.Next() {
		var date, tier, amount, total, hwm string
		if err := rows.Scan(&date, &tier, &amount, &total, &hwm); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		amt, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("parse snapshot amount %q: %w", amount, err)
		}
		idx, ok := byDate[date]
		if !ok {
			tot, err := decimal.NewFromString(total)
			if err != nil {
				return nil, fmt.Errorf("parse snapshot total %q: %w", total, err)
			}
			mark, err := decimal.NewFromString(hwm)
			if err != nil {
				return nil, fmt.Errorf("parse snapshot mark %q: %w", hwm, err)
			}
			out = append(out, domain.Snapshot{
				InvestorID:    investorID,
				Date:          date,
				Total:         tot,
				PerTier:       make(map[string]decimal.Decimal),
				HighWaterMark: mark,
			})
			idx = len(out) - 1
			byDate[date] = idx
		}
		out[idx].PerTier[tier] = amt
	}
	return out, rows.Err()
}

// --------------------------------------------------------------------------
// helpers

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timePtrToUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Unix()
}
