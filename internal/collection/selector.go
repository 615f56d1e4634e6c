package collection

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"galerie/internal/filterlang"
	"galerie/internal/photodb"
)

// pick is the outcome of one selection.
type pick struct {
	PhotoID      int64
	CollectionID int64
}

// selectNext picks the next photo for a filter and order and stamps its
// display date, atomically.
//
// Selection is cycle-balanced: every candidate is shown once before any
// is shown again. Candidates sitting on the minimum cycle count are the
// current cycle's remainder; the chosen one is bumped past the maximum so
// a filter change mid-cycle cannot make it come around early. The order
// breaks ties within the remainder.
func selectNext(db *sql.DB, filter filterlang.Expr, order filterlang.Order, now time.Time) (*pick, error) {
	orderSQL, extraFilterSQL := order.SQL()
	if extraFilterSQL == "" {
		extraFilterSQL = "1"
	}

	query := fmt.Sprintf(`
		WITH candidate_photos AS (
			SELECT photos.id AS id, photos.cycle_count AS cycle_count, photos.capture_date AS capture_date
			FROM photos JOIN collections ON collections.id = photos.collection_id
			WHERE collections.enabled AND (%s) AND (%s)
		),
		bounds AS (
			SELECT MIN(cycle_count) AS mn, MAX(cycle_count) AS mx FROM candidate_photos
		),
		new_cycle AS (
			SELECT MAX(mn + 1, mx) AS nc FROM bounds
		)
		UPDATE photos
		SET cycle_count = (SELECT nc FROM new_cycle), display_date = ?
		WHERE id IN (
			SELECT candidate_photos.id FROM candidate_photos, bounds
			WHERE candidate_photos.cycle_count = bounds.mn
			ORDER BY %s LIMIT 1
		)
		RETURNING id, collection_id`,
		filter.SQL(), extraFilterSQL, orderSQL)

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("select photo: %w", err)
	}
	defer tx.Rollback()

	var p pick
	err = tx.QueryRow(query, photodb.FormatTime(now)).Scan(&p.PhotoID, &p.CollectionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tx.Commit()
	}
	if err != nil {
		return nil, fmt.Errorf("select photo: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("select photo: %w", err)
	}
	return &p, nil
}
