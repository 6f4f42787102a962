package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/iliyamo/workshop-billing/internal/model"
)

// EventRepo reads and writes workshop event documents.  Participants and
// statistics live in JSON columns of the same row so one UPDATE replaces
// both; the version column guards that UPDATE.
type EventRepo struct{}

// NewEventRepo returns an EventRepo.
func NewEventRepo() *EventRepo { return &EventRepo{} }

const eventSelect = `SELECT id, title, starts_at, participants, statistics, version, updated_at FROM workshop_events WHERE id = ?`

func scanEvent(row *sql.Row) (*model.WorkshopEvent, error) {
	var (
		ev           model.WorkshopEvent
		startsAt     sql.NullTime
		parts, stats []byte
	)
	if err := row.Scan(&ev.ID, &ev.Title, &startsAt, &parts, &stats, &ev.Version, &ev.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if startsAt.Valid {
		t := startsAt.Time
		ev.Date = &t
	}
	ev.Participants = []model.Participant{}
	if len(parts) > 0 {
		if err := json.Unmarshal(parts, &ev.Participants); err != nil {
			return nil, err
		}
	}
	if len(stats) > 0 {
		if err := json.Unmarshal(stats, &ev.Statistics); err != nil {
			return nil, err
		}
	}
	if ev.Statistics.StylesStats == nil {
		ev.Statistics.StylesStats = map[string]int{}
	}
	if ev.Statistics.OptionsStats == nil {
		ev.Statistics.OptionsStats = map[string]int{}
	}
	return &ev, nil
}

// Get reads the document without locking.
func (r *EventRepo) Get(ctx context.Context, q querier, id string) (*model.WorkshopEvent, error) {
	return scanEvent(q.QueryRowContext(ctx, eventSelect, id))
}

// GetForUpdate reads the document and holds the row lock until the
// surrounding transaction ends.
func (r *EventRepo) GetForUpdate(ctx context.Context, q querier, id string) (*model.WorkshopEvent, error) {
	return scanEvent(q.QueryRowContext(ctx, eventSelect+` FOR UPDATE`, id))
}

// Save replaces participants and statistics when the stored version still
// matches ev.Version.  On success ev.Version is advanced.
func (r *EventRepo) Save(ctx context.Context, q querier, ev *model.WorkshopEvent) error {
	parts, err := marshalJSON(ev.Participants, "[]")
	if err != nil {
		return err
	}
	stats, err := json.Marshal(ev.Statistics)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := q.ExecContext(ctx,
		`UPDATE workshop_events SET participants = ?, statistics = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		parts, stats, now, ev.ID, ev.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	ev.Version++
	ev.UpdatedAt = now
	return nil
}

// RegistrationRepo owns the event_registrations link table written by the
// booking UI.
type RegistrationRepo struct{}

// NewRegistrationRepo returns a RegistrationRepo.
func NewRegistrationRepo() *RegistrationRepo { return &RegistrationRepo{} }

// Delete removes the (event, child) registration.  A missing row is not an
// error.
func (r *RegistrationRepo) Delete(ctx context.Context, q querier, eventID, childID string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM event_registrations WHERE event_id = ? AND child_id = ?`, eventID, childID)
	return err
}
