package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"lodging/internal/domain"
	"lodging/internal/interval"
	"lodging/internal/models"
	"lodging/internal/reservation"
	"lodging/internal/timeutil"

	"github.com/google/uuid"
)

const reservationColumns = `id, habitation_id, user_id, check_in, check_out, status,
	payment_deadline, created_at, updated_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// expireOverdue marks pending reservations whose payment deadline has passed
// as expired. Expiry is applied lazily before any read that depends on it.
func (db *DB) expireOverdue(ctx context.Context, ex execer, habitationID string) (int64, error) {
	now := timeutil.Format(db.now())
	query := `UPDATE reservations SET status = ?, version = version + 1, updated_at = ?
              WHERE status = ? AND payment_deadline IS NOT NULL AND payment_deadline <= ?`
	args := []any{models.StatusExpired, now, models.StatusPending, now}
	if habitationID != "" {
		query += ` AND habitation_id = ?`
		args = append(args, habitationID)
	}

	result, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to expire overdue reservations: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		db.logger.Info().Int64("count", n).Str("habitation_id", habitationID).Msg("Expired overdue reservations")
	}
	return n, nil
}

// CreateReservationWithLock inserts res unless its range overlaps a pending
// or confirmed reservation of the same habitation. The check and the insert
// run in one write transaction.
func (db *DB) CreateReservationWithLock(ctx context.Context, res *models.Reservation) error {
	if !res.Range.Valid() {
		return domain.ErrInvalidRange
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := db.expireOverdue(ctx, tx, res.HabitationID); err != nil {
		return err
	}

	rows, err := tx.QueryContext(ctx, `SELECT id, check_in, check_out FROM reservations
        WHERE habitation_id = ? AND status IN (?, ?) AND check_in < ? AND check_out > ?
        ORDER BY check_in ASC`,
		res.HabitationID, models.StatusPending, models.StatusConfirmed,
		timeutil.Format(res.Range.End), timeutil.Format(res.Range.Start))
	if err != nil {
		return fmt.Errorf("failed to check overlap in tx: %w", err)
	}
	conflicts, err := scanRanges(rows)
	if err != nil {
		return err
	}
	if len(conflicts) > 0 {
		return &domain.ConflictError{Conflicts: conflicts}
	}

	now := db.now()
	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	if res.Status == "" {
		res.Status = models.StatusPending
	}
	if res.Status == models.StatusPending && res.PaymentDeadline == nil {
		deadline := now.Add(db.window)
		res.PaymentDeadline = &deadline
	}
	res.CreatedAt = now
	res.UpdatedAt = now
	res.Version = 1

	_, err = tx.ExecContext(ctx, `INSERT INTO reservations (`+reservationColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.ID, res.HabitationID, res.UserID,
		timeutil.Format(res.Range.Start), timeutil.Format(res.Range.End),
		res.Status, formatNullable(res.PaymentDeadline),
		timeutil.Format(now), timeutil.Format(now), res.Version)
	if err != nil {
		return fmt.Errorf("failed to insert reservation in tx: %w", err)
	}

	return tx.Commit()
}

// GetReservation returns the reservation with id after applying lazy expiry.
func (db *DB) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	if _, err := db.expireOverdue(ctx, db, ""); err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id)
	res, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	return res, nil
}

// ReservedRanges returns the pending and confirmed ranges of a habitation,
// ordered by check-in.
func (db *DB) ReservedRanges(ctx context.Context, habitationID string) ([]models.ReservedRange, error) {
	if _, err := db.expireOverdue(ctx, db, habitationID); err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT id, check_in, check_out FROM reservations
        WHERE habitation_id = ? AND status IN (?, ?) ORDER BY check_in ASC`,
		habitationID, models.StatusPending, models.StatusConfirmed)
	if err != nil {
		return nil, fmt.Errorf("failed to get reserved ranges: %w", err)
	}
	return scanRanges(rows)
}

// ListByUser returns every reservation of a user, newest first.
func (db *DB) ListByUser(ctx context.Context, userID string) ([]*models.Reservation, error) {
	if _, err := db.expireOverdue(ctx, db, ""); err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT `+reservationColumns+` FROM reservations
        WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user reservations: %w", err)
	}
	defer rows.Close()

	var out []*models.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (db *DB) UpdateStatusWithVersion(ctx context.Context, id string, fromVersion int64, status models.ReservationStatus) error {
	query := `UPDATE reservations SET status = ?, version = version + 1, updated_at = ? WHERE id = ? AND version = ?`
	result, err := db.ExecContext(ctx, query, status, timeutil.Format(db.now()), id, fromVersion)
	if err != nil {
		return fmt.Errorf("failed to update reservation status: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrConcurrentModification
	}
	return nil
}

// Transition moves a reservation to status and returns the status it ends
// in. A request the reservation can no longer honor is not an error: the
// current status is returned so the caller learns what happened instead.
func (db *DB) Transition(ctx context.Context, id string, to models.ReservationStatus) (models.ReservationStatus, error) {
	for attempt := 0; attempt < 3; attempt++ {
		res, err := db.GetReservation(ctx, id)
		if err != nil {
			return "", err
		}
		if res.Status == to {
			return res.Status, nil
		}
		if err := reservation.Transition(res.Status, to, reservation.OriginBackend); err != nil {
			db.logger.Debug().Err(err).Str("reservation_id", id).Msg("Transition refused, answering current status")
			return res.Status, nil
		}

		err = db.UpdateStatusWithVersion(ctx, id, res.Version, to)
		if errors.Is(err, ErrConcurrentModification) {
			continue
		}
		if err != nil {
			return "", err
		}
		db.logger.Info().Str("reservation_id", id).Str("from", string(res.Status)).Str("to", string(to)).Msg("Reservation status updated")
		return to, nil
	}
	return "", ErrConcurrentModification
}

// PurgeSettled deletes expired and cancelled reservations last updated
// before cutoff.
func (db *DB) PurgeSettled(ctx context.Context, cutoff time.Time) (int64, error) {
	if _, err := db.expireOverdue(ctx, db, ""); err != nil {
		return 0, err
	}
	result, err := db.ExecContext(ctx, `DELETE FROM reservations WHERE status IN (?, ?) AND updated_at < ?`,
		models.StatusExpired, models.StatusCancelled, timeutil.Format(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to purge reservations: %w", err)
	}
	return result.RowsAffected()
}

func scanRanges(rows *sql.Rows) ([]models.ReservedRange, error) {
	defer rows.Close()

	var out []models.ReservedRange
	for rows.Next() {
		var id, checkIn, checkOut string
		if err := rows.Scan(&id, &checkIn, &checkOut); err != nil {
			return nil, fmt.Errorf("failed to scan range: %w", err)
		}
		start, err := timeutil.ParseLenient(checkIn)
		if err != nil {
			return nil, fmt.Errorf("reservation %s: %w", id, err)
		}
		end, err := timeutil.ParseLenient(checkOut)
		if err != nil {
			return nil, fmt.Errorf("reservation %s: %w", id, err)
		}
		out = append(out, models.ReservedRange{ReservationID: id, Range: interval.New(start, end)})
	}
	return out, rows.Err()
}

func scanReservation(r rowScanner) (*models.Reservation, error) {
	var (
		res                  models.Reservation
		checkIn, checkOut    string
		createdAt, updatedAt string
		deadline             sql.NullString
	)
	if err := r.Scan(&res.ID, &res.HabitationID, &res.UserID, &checkIn, &checkOut, &res.Status,
		&deadline, &createdAt, &updatedAt, &res.Version); err != nil {
		return nil, err
	}

	var err error
	if res.Range.Start, err = timeutil.ParseLenient(checkIn); err != nil {
		return nil, err
	}
	if res.Range.End, err = timeutil.ParseLenient(checkOut); err != nil {
		return nil, err
	}
	if res.CreatedAt, err = timeutil.ParseLenient(createdAt); err != nil {
		return nil, err
	}
	if res.UpdatedAt, err = timeutil.ParseLenient(updatedAt); err != nil {
		return nil, err
	}
	if deadline.Valid {
		t, err := timeutil.ParseLenient(deadline.String)
		if err != nil {
			return nil, err
		}
		res.PaymentDeadline = &t
	}
	return &res, nil
}

func formatNullable(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: timeutil.Format(*t), Valid: true}
}
