package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/mezopay/credit-engine/internal/model"
)

// PostgresSchema creates the local ledger tables. Amounts are NUMERIC for
// exact decimal precision.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS local_ledger_entries (
	address      TEXT        NOT NULL,
	id           TEXT        NOT NULL,
	kind         TEXT        NOT NULL,
	amount       NUMERIC     NOT NULL,
	currency     TEXT        NOT NULL,
	timestamp    TIMESTAMPTZ NOT NULL,
	status       TEXT        NOT NULL,
	source       TEXT        NOT NULL,
	merchant     TEXT        NOT NULL DEFAULT '',
	frozen       BOOLEAN     NOT NULL DEFAULT FALSE,
	block_number BIGINT      NOT NULL DEFAULT 0,
	PRIMARY KEY (address, id)
);
CREATE TABLE IF NOT EXISTS local_cards (
	address       TEXT    PRIMARY KEY,
	card_number   TEXT    NOT NULL,
	expiry        TEXT    NOT NULL,
	cvv           TEXT    NOT NULL,
	holder_name   TEXT    NOT NULL,
	daily_limit   NUMERIC NOT NULL,
	monthly_limit NUMERIC NOT NULL,
	daily_spent   NUMERIC NOT NULL,
	monthly_spent NUMERIC NOT NULL,
	is_active     BOOLEAN NOT NULL
);`

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies PostgresSchema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("migrate local ledger schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) PutEntry(ctx context.Context, address string, e model.LedgerEntry) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO local_ledger_entries
		   (address, id, kind, amount, currency, timestamp, status, source, merchant, frozen, block_number)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (address, id) DO NOTHING`,
		normalize(address), e.ID, string(e.Kind), e.Amount.String(), string(e.Currency),
		e.Timestamp, e.Status, string(e.Source), e.Merchant, e.Frozen, int64(e.BlockNumber),
	)
	if err != nil {
		return false, fmt.Errorf("insert entry %s: %w", e.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

const entryColumns = `id, address, kind, amount::TEXT, currency, timestamp, status, source, merchant, frozen, block_number`

func (s *PostgresStore) GetEntry(ctx context.Context, address, id string) (*model.LedgerEntry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM local_ledger_entries WHERE address = $1 AND id = $2`,
		normalize(address), id)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry %s: %w", id, err)
	}
	return &e, nil
}

func (s *PostgresStore) ListEntries(ctx context.Context, address string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM local_ledger_entries WHERE address = $1 ORDER BY timestamp`,
		normalize(address))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) PutCard(ctx context.Context, address string, c model.VirtualCard) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO local_cards
		   (address, card_number, expiry, cvv, holder_name, daily_limit, monthly_limit, daily_spent, monthly_spent, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)
		 ON CONFLICT (address) DO UPDATE SET
		   card_number = EXCLUDED.card_number, expiry = EXCLUDED.expiry, cvv = EXCLUDED.cvv,
		   holder_name = EXCLUDED.holder_name, daily_limit = EXCLUDED.daily_limit,
		   monthly_limit = EXCLUDED.monthly_limit, daily_spent = EXCLUDED.daily_spent,
		   monthly_spent = EXCLUDED.monthly_spent, is_active = EXCLUDED.is_active`,
		normalize(address), c.CardNumber, c.Expiry, c.CVV, c.HolderName,
		c.DailyLimit.String(), c.MonthlyLimit.String(), c.DailySpent.String(), c.MonthlySpent.String(),
		c.IsActive,
	)
	return err
}

func (s *PostgresStore) GetCard(ctx context.Context, address string) (*model.VirtualCard, error) {
	var c model.VirtualCard
	var daily, monthly, dailySpent, monthlySpent string

	err := s.pool.QueryRow(ctx,
		`SELECT card_number, expiry, cvv, holder_name,
		        daily_limit::TEXT, monthly_limit::TEXT, daily_spent::TEXT, monthly_spent::TEXT,
		        is_active
		 FROM local_cards WHERE address = $1`, normalize(address)).
		Scan(&c.CardNumber, &c.Expiry, &c.CVV, &c.HolderName,
			&daily, &monthly, &dailySpent, &monthlySpent,
			&c.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get card: %w", err)
	}

	c.DailyLimit, _ = decimal.NewFromString(daily)
	c.MonthlyLimit, _ = decimal.NewFromString(monthly)
	c.DailySpent, _ = decimal.NewFromString(dailySpent)
	c.MonthlySpent, _ = decimal.NewFromString(monthlySpent)
	c.Local = true
	return &c, nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// pgxRow is satisfied by both pgx.Row and pgx.Rows.
type pgxRow interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row pgxRow) (model.LedgerEntry, error) {
	var e model.LedgerEntry
	var kind, currency, source, amount string
	var block int64

	if err := row.Scan(&e.ID, &e.Address, &kind, &amount, &currency, &e.Timestamp,
		&e.Status, &source, &e.Merchant, &e.Frozen, &block); err != nil {
		return e, err
	}
	e.Kind = model.Kind(kind)
	e.Currency = model.Currency(currency)
	e.Source = model.Source(source)
	e.Amount, _ = decimal.NewFromString(amount)
	e.BlockNumber = uint64(block)
	return e, nil
}
