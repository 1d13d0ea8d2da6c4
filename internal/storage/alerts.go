package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const (
	insertAlertSQL = `INSERT INTO alerts (
        symbol,
        category,
        bucket_ts,
        price,
        cvd,
        price_change_pct,
        cvd_change_pct,
        oi_change_pct,
        detail,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,COALESCE($10, now())
    )
    RETURNING id, created_at;`

	recentAlertExistsSQL = `SELECT EXISTS (
        SELECT 1 FROM alerts
        WHERE symbol = $1
          AND category = $2
          AND created_at >= $3
    );`

	alertColumns = `id, symbol, category, bucket_ts, price, cvd, price_change_pct, cvd_change_pct, oi_change_pct, detail, dispatched, created_at`

	listPendingAlertsSQL = `SELECT ` + alertColumns + `
    FROM alerts
    WHERE dispatched IS NULL
    ORDER BY created_at
    LIMIT $1;`

	listRecentAlertsSQL = `SELECT ` + alertColumns + `
    FROM alerts
    WHERE ($1 = '' OR symbol = $1)
    ORDER BY created_at DESC
    LIMIT $2;`

	markAlertDispatchedSQL = `UPDATE alerts SET dispatched = TRUE WHERE id = $1;`
)

// InsertAlert appends an alert row. A zero CreatedAt lets the database stamp it.
func (s *Store) InsertAlert(ctx context.Context, alert Alert) (Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return Alert{}, err
	}

	var createdAt interface{}
	if !alert.CreatedAt.IsZero() {
		createdAt = alert.CreatedAt.UTC()
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.Symbol,
		alert.Category,
		alert.Bucket.UTC(),
		alert.Price.String(),
		alert.CVD.String(),
		alert.PriceChangePct,
		alert.CVDChangePct,
		alert.OIChangePct,
		alert.Detail,
		createdAt,
	)
	if err := row.Scan(&alert.ID, &alert.CreatedAt); err != nil {
		return Alert{}, fmt.Errorf("insert alert: %w", err)
	}
	return alert, nil
}

// RecentAlertExists reports whether symbol emitted category at or after since.
func (s *Store) RecentAlertExists(ctx context.Context, symbol, category string, since time.Time) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	var exists bool
	if err := pool.QueryRow(ctx, recentAlertExistsSQL, symbol, category, since.UTC()).Scan(&exists); err != nil {
		return false, fmt.Errorf("check recent alert: %w", err)
	}
	return exists, nil
}

// ListPendingAlerts lists alerts not yet dispatched, oldest first.
func (s *Store) ListPendingAlerts(ctx context.Context, limit int) ([]Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listPendingAlertsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending alerts: %w", err)
	}
	return collectAlerts(rows, limit)
}

// ListRecentAlerts lists the newest alerts, optionally for a single symbol.
func (s *Store) ListRecentAlerts(ctx context.Context, symbol string, limit int) ([]Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listRecentAlertsSQL, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent alerts: %w", err)
	}
	return collectAlerts(rows, limit)
}

// MarkAlertDispatched flips the dispatched flag after delivery.
func (s *Store) MarkAlertDispatched(ctx context.Context, id int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tag, err := pool.Exec(ctx, markAlertDispatchedSQL, id)
	if err != nil {
		return fmt.Errorf("mark alert dispatched: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func collectAlerts(rows pgx.Rows, capacity int) ([]Alert, error) {
	defer rows.Close()

	alerts := make([]Alert, 0, capacity)
	for rows.Next() {
		var (
			rec        Alert
			priceStr   string
			cvdStr     string
			dispatched sql.NullBool
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.Symbol,
			&rec.Category,
			&rec.Bucket,
			&priceStr,
			&cvdStr,
			&rec.PriceChangePct,
			&rec.CVDChangePct,
			&rec.OIChangePct,
			&rec.Detail,
			&dispatched,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		var convErr error
		if rec.Price, convErr = decimal.NewFromString(priceStr); convErr != nil {
			return nil, fmt.Errorf("parse alert price: %w", convErr)
		}
		if rec.CVD, convErr = decimal.NewFromString(cvdStr); convErr != nil {
			return nil, fmt.Errorf("parse alert cvd: %w", convErr)
		}
		if dispatched.Valid {
			v := dispatched.Bool
			rec.Dispatched = &v
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}
