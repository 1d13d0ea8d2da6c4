package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const (
	upsertSnapshotSQL = `INSERT INTO snapshots (
        symbol,
        bucket_ts,
        price,
        cvd,
        oi_contracts,
        oi_value,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,now()
    )
    ON CONFLICT (symbol, bucket_ts) DO UPDATE
    SET
        price        = EXCLUDED.price,
        cvd          = EXCLUDED.cvd,
        oi_contracts = EXCLUDED.oi_contracts,
        oi_value     = EXCLUDED.oi_value,
        updated_at   = EXCLUDED.updated_at;`

	snapshotColumns = `symbol, bucket_ts, price, cvd, oi_contracts, oi_value, updated_at`

	latestSnapshotSQL = `SELECT ` + snapshotColumns + `
    FROM snapshots
    WHERE symbol = $1
    ORDER BY bucket_ts DESC
    LIMIT 1;`

	earliestSnapshotSQL = `SELECT ` + snapshotColumns + `
    FROM snapshots
    WHERE symbol = $1
    ORDER BY bucket_ts ASC
    LIMIT 1;`

	recentSnapshotsSQL = `SELECT ` + snapshotColumns + `
    FROM snapshots
    WHERE symbol = $1
    ORDER BY bucket_ts DESC
    LIMIT $2;`

	snapshotsBetweenSQL = `SELECT ` + snapshotColumns + `
    FROM snapshots
    WHERE symbol = $1
      AND bucket_ts >= $2
      AND bucket_ts < $3
    ORDER BY bucket_ts;`
)

// UpsertSnapshots writes all rows in one transaction using a pgx batch.
func (s *Store) UpsertSnapshots(ctx context.Context, snapshots []Snapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin snapshot upsert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, snap := range snapshots {
		batch.Queue(upsertSnapshotSQL,
			snap.Symbol,
			snap.Bucket.UTC(),
			snap.Price.String(),
			snap.CVD.String(),
			nullDecimalArg(snap.OIContracts),
			nullDecimalArg(snap.OIValue),
		)
	}

	results := tx.SendBatch(ctx, batch)
	for i := range snapshots {
		if _, execErr := results.Exec(); execErr != nil {
			_ = results.Close()
			return fmt.Errorf("upsert snapshot %s@%s: %w", snapshots[i].Symbol, snapshots[i].Bucket.Format(time.RFC3339), execErr)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("close snapshot batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit snapshot upsert: %w", err)
	}
	return nil
}

// LatestSnapshot returns the newest snapshot for symbol.
func (s *Store) LatestSnapshot(ctx context.Context, symbol string) (Snapshot, error) {
	return s.singleSnapshot(ctx, latestSnapshotSQL, symbol)
}

// EarliestSnapshot returns the oldest snapshot for symbol.
func (s *Store) EarliestSnapshot(ctx context.Context, symbol string) (Snapshot, error) {
	return s.singleSnapshot(ctx, earliestSnapshotSQL, symbol)
}

func (s *Store) singleSnapshot(ctx context.Context, query, symbol string) (Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return Snapshot{}, err
	}

	rows, err := pool.Query(ctx, query, symbol)
	if err != nil {
		return Snapshot{}, fmt.Errorf("query snapshot: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return Snapshot{}, rows.Err()
		}
		return Snapshot{}, ErrNotFound
	}
	return scanSnapshot(rows)
}

// RecentSnapshots lists the newest snapshots for symbol, newest first.
func (s *Store) RecentSnapshots(ctx context.Context, symbol string, limit int) ([]Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, recentSnapshotsSQL, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent snapshots: %w", err)
	}
	return collectSnapshots(rows, limit)
}

// SnapshotsBetween lists snapshots for symbol in [from, to), oldest first.
func (s *Store) SnapshotsBetween(ctx context.Context, symbol string, from, to time.Time) ([]Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, snapshotsBetweenSQL, symbol, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("list snapshots between: %w", err)
	}
	return collectSnapshots(rows, 0)
}

func collectSnapshots(rows pgx.Rows, capacity int) ([]Snapshot, error) {
	defer rows.Close()

	snapshots := make([]Snapshot, 0, capacity)
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snap)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snapshots, nil
}

func scanSnapshot(rows pgx.Rows) (Snapshot, error) {
	var (
		snap         Snapshot
		priceStr     string
		cvdStr       string
		contractsStr *string
		valueStr     *string
	)

	if err := rows.Scan(
		&snap.Symbol,
		&snap.Bucket,
		&priceStr,
		&cvdStr,
		&contractsStr,
		&valueStr,
		&snap.UpdatedAt,
	); err != nil {
		return Snapshot{}, err
	}

	var err error
	if snap.Price, err = decimal.NewFromString(priceStr); err != nil {
		return Snapshot{}, fmt.Errorf("parse price: %w", err)
	}
	if snap.CVD, err = decimal.NewFromString(cvdStr); err != nil {
		return Snapshot{}, fmt.Errorf("parse cvd: %w", err)
	}
	if snap.OIContracts, err = parseNullDecimal(contractsStr); err != nil {
		return Snapshot{}, fmt.Errorf("parse oi contracts: %w", err)
	}
	if snap.OIValue, err = parseNullDecimal(valueStr); err != nil {
		return Snapshot{}, fmt.Errorf("parse oi value: %w", err)
	}
	snap.Bucket = snap.Bucket.UTC()
	return snap, nil
}

func nullDecimalArg(d decimal.NullDecimal) interface{} {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func parseNullDecimal(v *string) (decimal.NullDecimal, error) {
	if v == nil {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(*v)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

// IsNotFound reports whether err means the row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, pgx.ErrNoRows)
}
