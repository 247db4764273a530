package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saleslens/presage-capture/store"
)

type recordingObserver struct {
	errs []error
}

func (o *recordingObserver) ObserveWrite(_ time.Duration, err error) {
	o.errs = append(o.errs, err)
}

func ptr(v float64) *float64 { return &v }

func listAll(t *testing.T, dbPath, sessionID string) []*store.PhysiologyEvent {
	t.Helper()
	p := newTestProfile(t)
	p.DBPath = dbPath
	d, err := Open(context.Background(), p)
	require.NoError(t, err)
	defer d.Close()

	events, err := d.ListPhysiologyEvents(context.Background(), &store.FindPhysiologyEvent{SessionID: sessionID})
	require.NoError(t, err)
	return events
}

func TestNewEventWriterFailsFast(t *testing.T) {
	t.Run("unopenable path", func(t *testing.T) {
		p := newTestProfile(t)
		p.DBPath = filepath.Join(t.TempDir(), "missing", "saleslens.db")

		w, err := NewEventWriter(context.Background(), p)

		require.Error(t, err)
		assert.Nil(t, w)
	})

	t.Run("missing table without migration", func(t *testing.T) {
		p := newTestProfile(t)
		p.Migrate = false

		w, err := NewEventWriter(context.Background(), p)

		require.Error(t, err)
		assert.Contains(t, err.Error(), "physiology_events table missing")
		assert.Nil(t, w)
	})
}

func TestEventWriterPersistsNullsAndValues(t *testing.T) {
	ctx := context.Background()
	p := newTestProfile(t)
	w, err := NewEventWriter(ctx, p)
	require.NoError(t, err)

	w.WriteEvent(ctx, &store.PhysiologyEvent{
		TimestampMs:   1_700_000_000_123,
		HeartRate:     ptr(72.123456789),
		BreathingRate: nil,
		EmotionScore:  -0.75,
	})
	w.WriteEvent(ctx, &store.PhysiologyEvent{
		TimestampMs:   1_700_000_001_123,
		HeartRate:     nil,
		BreathingRate: ptr(14.5),
		EmotionScore:  0,
		IsTalking:     true,
	})
	require.NoError(t, w.Close())

	events := listAll(t, p.DBPath, "abc123")
	require.Len(t, events, 2)

	first := events[0]
	assert.Equal(t, "abc123", first.SessionID)
	assert.Equal(t, int64(1_700_000_000_123), first.TimestampMs)
	require.NotNil(t, first.HeartRate)
	assert.Equal(t, 72.123456789, *first.HeartRate)
	assert.Nil(t, first.BreathingRate)
	assert.Nil(t, first.HRV)
	assert.Nil(t, first.Phasic)
	assert.Nil(t, first.Engagement)
	assert.Nil(t, first.BlinkRate)
	assert.Equal(t, -0.75, first.EmotionScore)
	assert.False(t, first.IsTalking)

	second := events[1]
	assert.Nil(t, second.HeartRate)
	require.NotNil(t, second.BreathingRate)
	assert.Equal(t, 14.5, *second.BreathingRate)
	assert.Equal(t, 0.0, second.EmotionScore)
	assert.True(t, second.IsTalking)
}

func TestEventWriterEmotionScoreIsNeverNull(t *testing.T) {
	ctx := context.Background()
	p := newTestProfile(t)
	w, err := NewEventWriter(ctx, p)
	require.NoError(t, err)

	for i, score := range []float64{-1, 0, 0.5} {
		w.WriteEvent(ctx, &store.PhysiologyEvent{TimestampMs: int64(i), EmotionScore: score})
	}
	require.NoError(t, w.Close())

	raw, err := sql.Open("sqlite", p.DBPath)
	require.NoError(t, err)
	defer raw.Close()

	var nulls int
	require.NoError(t, raw.QueryRow("SELECT COUNT(*) FROM physiology_events WHERE emotion_score IS NULL").Scan(&nulls))
	assert.Zero(t, nulls)

	events := listAll(t, p.DBPath, "abc123")
	require.Len(t, events, 3)
	assert.Equal(t, -1.0, events[0].EmotionScore)
	assert.Equal(t, 0.0, events[1].EmotionScore)
	assert.Equal(t, 0.5, events[2].EmotionScore)
}

func TestEventWriterUsesOwnSessionID(t *testing.T) {
	ctx := context.Background()
	p := newTestProfile(t)
	w, err := NewEventWriter(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "abc123", w.SessionID())

	const n = 25
	for i := 0; i < n; i++ {
		w.WriteEvent(ctx, &store.PhysiologyEvent{SessionID: "ignored", TimestampMs: 1000})
	}
	require.NoError(t, w.Close())

	events := listAll(t, p.DBPath, "abc123")
	assert.Len(t, events, n, "duplicate timestamps are kept")
	assert.Empty(t, listAll(t, p.DBPath, "ignored"))
}

func TestEventWriterCloseIsIdempotent(t *testing.T) {
	w, err := NewEventWriter(context.Background(), newTestProfile(t))
	require.NoError(t, err)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}

func TestEventWriterContinuesAfterFailedRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	prep := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO physiology_events"))
	prep.ExpectExec().
		WithArgs("abc123", int64(1), 72.0, nil, nil, nil, 0.0, nil, nil, int64(0)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().
		WithArgs("abc123", int64(2), sqlmock.AnyArg(), nil, sqlmock.AnyArg(), nil, 0.0, nil, nil, int64(0)).
		WillReturnError(fmt.Errorf("database is locked"))
	prep.ExpectExec().
		WithArgs("abc123", int64(3), 70.0, nil, 12.0, nil, -0.2, nil, nil, int64(0)).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectClose()

	w, err := newEventWriter(context.Background(), db, "abc123")
	require.NoError(t, err)
	observer := &recordingObserver{}
	w.SetObserver(observer)

	ctx := context.Background()
	w.WriteEvent(ctx, &store.PhysiologyEvent{TimestampMs: 1, HeartRate: ptr(72)})
	w.WriteEvent(ctx, &store.PhysiologyEvent{TimestampMs: 2, HeartRate: ptr(71), BreathingRate: ptr(13)})
	w.WriteEvent(ctx, &store.PhysiologyEvent{TimestampMs: 3, HeartRate: ptr(70), BreathingRate: ptr(12), EmotionScore: -0.2})

	require.NoError(t, w.Close())
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, observer.errs, 3)
	assert.NoError(t, observer.errs[0])
	assert.Error(t, observer.errs[1])
	assert.NoError(t, observer.errs[2])
}

func TestEventWriterStoresNonPositiveReadingsAsNull(t *testing.T) {
	ctx := context.Background()
	p := newTestProfile(t)
	w, err := NewEventWriter(ctx, p)
	require.NoError(t, err)

	w.WriteEvent(ctx, &store.PhysiologyEvent{
		TimestampMs:   1,
		HeartRate:     ptr(-1),
		HRV:           ptr(0),
		BreathingRate: ptr(12),
		Phasic:        ptr(-0.5),
		Engagement:    ptr(-1),
		BlinkRate:     ptr(-1),
		EmotionScore:  -1,
	})
	require.NoError(t, w.Close())

	events := listAll(t, p.DBPath, "abc123")
	require.Len(t, events, 1)
	e := events[0]
	assert.Nil(t, e.HeartRate)
	assert.Nil(t, e.HRV)
	require.NotNil(t, e.BreathingRate)
	assert.Equal(t, 12.0, *e.BreathingRate)
	assert.Nil(t, e.Phasic)
	assert.Nil(t, e.Engagement)
	assert.Nil(t, e.BlinkRate)
	assert.Equal(t, -1.0, e.EmotionScore)
}

func TestEventWriterCloseReportsConnectionError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO physiology_events")).WillBeClosed()
	mock.ExpectClose().WillReturnError(fmt.Errorf("disk I/O error"))

	w, err := newEventWriter(context.Background(), db, "abc123")
	require.NoError(t, err)

	err = w.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to close db")
	assert.Contains(t, err.Error(), "disk I/O error")
	require.NoError(t, mock.ExpectationsWereMet())

	assert.NoError(t, w.Close())
}

func TestNewEventWriterPrepareFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO physiology_events")).
		WillReturnError(fmt.Errorf("no such table: physiology_events"))

	w, err := newEventWriter(context.Background(), db, "abc123")

	require.Error(t, err)
	assert.Nil(t, w)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListPhysiologyEventsRange(t *testing.T) {
	ctx := context.Background()
	p := newTestProfile(t)
	w, err := NewEventWriter(ctx, p)
	require.NoError(t, err)
	for _, ts := range []int64{3000, 1000, 2000, 4000} {
		w.WriteEvent(ctx, &store.PhysiologyEvent{TimestampMs: ts})
	}
	require.NoError(t, w.Close())

	d, err := Open(ctx, p)
	require.NoError(t, err)
	defer d.Close()

	from, to, limit := int64(2000), int64(4000), 2
	events, err := d.ListPhysiologyEvents(ctx, &store.FindPhysiologyEvent{
		SessionID: "abc123",
		FromMs:    &from,
		ToMs:      &to,
		Limit:     &limit,
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2000), events[0].TimestampMs)
	assert.Equal(t, int64(3000), events[1].TimestampMs)
}
