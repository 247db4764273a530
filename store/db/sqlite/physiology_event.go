package sqlite

import (
	"context"
	"database/sql"
	stderrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/saleslens/presage-capture/internal/profile"
	"github.com/saleslens/presage-capture/store"
)

const insertPhysiologyEvent = `INSERT INTO physiology_events
	(session_id, timestamp_ms, heart_rate, hrv, breathing_rate,
	 phasic, emotion_score, engagement, blink_rate, is_talking)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// EventWriter appends physiology events for one session through a single
// prepared statement. It is not safe for concurrent use.
type EventWriter struct {
	db        *sql.DB
	stmt      *sql.Stmt
	sessionID string
	observer  store.WriteObserver
}

var (
	_ store.EventWriter = (*EventWriter)(nil)
	_ store.Driver      = (*DB)(nil)
)

// NewEventWriter opens the store at profile.DBPath, applies the schema when
// profile.Migrate is set and prepares the insert statement. Any failure is
// returned; there is no partially usable writer.
func NewEventWriter(ctx context.Context, profile *profile.Profile) (*EventWriter, error) {
	if profile.SessionID == "" {
		return nil, errors.New("session id required")
	}

	d, err := Open(ctx, profile)
	if err != nil {
		return nil, err
	}
	if profile.Migrate {
		if err := d.Migrate(ctx); err != nil {
			d.Close()
			return nil, err
		}
	}
	// modernc.org/sqlite compiles statements lazily, so a missing table would
	// otherwise only show up on the first insert.
	initialized, err := d.IsInitialized(ctx)
	if err != nil {
		d.Close()
		return nil, err
	}
	if !initialized {
		d.Close()
		return nil, errors.Errorf("physiology_events table missing in %s", profile.DBPath)
	}

	w, err := newEventWriter(ctx, d.db, profile.SessionID)
	if err != nil {
		d.Close()
		return nil, err
	}

	slog.Info("physiology writer initialized", "session_id", profile.SessionID, "db_path", profile.DBPath)
	return w, nil
}

func newEventWriter(ctx context.Context, db *sql.DB, sessionID string) (*EventWriter, error) {
	stmt, err := db.PrepareContext(ctx, insertPhysiologyEvent)
	if err != nil {
		return nil, errors.Wrap(err, "failed to prepare physiology insert")
	}
	return &EventWriter{db: db, stmt: stmt, sessionID: sessionID}, nil
}

// SetObserver registers o to receive the outcome of every insert.
func (w *EventWriter) SetObserver(o store.WriteObserver) {
	w.observer = o
}

// SessionID returns the session every row is tagged with.
func (w *EventWriter) SessionID() string {
	return w.sessionID
}

// WriteEvent inserts one row. The session id comes from the writer, not the
// event. A failed insert is logged and dropped.
func (w *EventWriter) WriteEvent(ctx context.Context, event *store.PhysiologyEvent) {
	start := time.Now()
	_, err := w.stmt.ExecContext(ctx,
		w.sessionID,
		event.TimestampMs,
		nullable(event.HeartRate),
		nullable(event.HRV),
		nullable(event.BreathingRate),
		nullable(event.Phasic),
		event.EmotionScore,
		nullable(event.Engagement),
		nullable(event.BlinkRate),
		boolToInt(event.IsTalking),
	)
	if err != nil {
		slog.Warn("failed to insert physiology event",
			"session_id", w.sessionID,
			"timestamp_ms", event.TimestampMs,
			"error", err,
		)
	}
	if w.observer != nil {
		w.observer.ObserveWrite(time.Since(start), err)
	}
}

// Close releases the prepared statement and then the connection, even when
// the first step fails. It is safe to call more than once.
func (w *EventWriter) Close() error {
	var errs []error
	if w.stmt != nil {
		if err := w.stmt.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "failed to close physiology insert"))
		}
		w.stmt = nil
	}
	if w.db != nil {
		if err := w.db.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "failed to close db"))
		}
		w.db = nil
	}
	return stderrors.Join(errs...)
}

// ListPhysiologyEvents returns the session's events ordered by timestamp.
func (d *DB) ListPhysiologyEvents(ctx context.Context, find *store.FindPhysiologyEvent) ([]*store.PhysiologyEvent, error) {
	where, args := []string{"session_id = ?"}, []any{find.SessionID}
	if find.FromMs != nil {
		where, args = append(where, "timestamp_ms >= ?"), append(args, *find.FromMs)
	}
	if find.ToMs != nil {
		where, args = append(where, "timestamp_ms <= ?"), append(args, *find.ToMs)
	}

	query := `SELECT id, session_id, timestamp_ms, heart_rate, hrv, breathing_rate,
		phasic, emotion_score, engagement, blink_rate, is_talking
		FROM physiology_events
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY timestamp_ms, id`
	if find.Limit != nil {
		query += " LIMIT ?"
		args = append(args, *find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list physiology events")
	}
	defer rows.Close()

	var events []*store.PhysiologyEvent
	for rows.Next() {
		var event store.PhysiologyEvent
		var heartRate, hrv, breathingRate, phasic, emotion, engagement, blinkRate sql.NullFloat64
		var isTalking int64
		if err := rows.Scan(
			&event.ID,
			&event.SessionID,
			&event.TimestampMs,
			&heartRate,
			&hrv,
			&breathingRate,
			&phasic,
			&emotion,
			&engagement,
			&blinkRate,
			&isTalking,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan physiology event")
		}
		event.HeartRate = fromNull(heartRate)
		event.HRV = fromNull(hrv)
		event.BreathingRate = fromNull(breathingRate)
		event.Phasic = fromNull(phasic)
		// Rows written by other tools may leave emotion_score NULL; it reads back as 0.
		event.EmotionScore = emotion.Float64
		event.Engagement = fromNull(engagement)
		event.BlinkRate = fromNull(blinkRate)
		event.IsTalking = isTalking != 0
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate physiology events")
	}
	return events, nil
}

// nullable binds an optional reading. Non-positive values are "no data" and
// are stored as NULL like a nil pointer.
func nullable(v *float64) any {
	if v == nil {
		return nil
	}
	if p := store.PositiveOrNil(*v); p != nil {
		return *p
	}
	return nil
}

func fromNull(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
