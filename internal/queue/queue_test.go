package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{10, time.Minute},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestEnqueueInsertsAndNotifies(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() {
		_ = db.Close()
	}()

	mock.ExpectQuery(`INSERT INTO ingest_jobs \(kind, payload, max_attempts\)`).
		WithArgs(KindProcessEvent, sqlmock.AnyArg(), 3).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(13))
	mock.ExpectExec(`SELECT pg_notify`).
		WithArgs(ChannelName, "13").
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := Enqueue(context.Background(), db, KindProcessEvent, map[string]string{"k": "v"}, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(13), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueBindsConfiguredMaxAttempts(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() {
		_ = db.Close()
	}()

	mock.ExpectQuery(`INSERT INTO ingest_jobs \(kind, payload, max_attempts\)`).
		WithArgs(KindProcessEvent, sqlmock.AnyArg(), 5).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(21))
	mock.ExpectExec(`SELECT pg_notify`).
		WithArgs(ChannelName, "21").
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err = Enqueue(context.Background(), db, KindProcessEvent, map[string]string{"k": "v"}, 5)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueDefaultsUnsetMaxAttempts(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() {
		_ = db.Close()
	}()

	mock.ExpectQuery(`INSERT INTO ingest_jobs \(kind, payload, max_attempts\)`).
		WithArgs(KindProcessEvent, sqlmock.AnyArg(), DefaultMaxAttempts).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(22))
	mock.ExpectExec(`SELECT pg_notify`).
		WithArgs(ChannelName, "22").
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err = Enqueue(context.Background(), db, KindProcessEvent, map[string]string{"k": "v"}, 0)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueSurvivesNotifyFailure(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() {
		_ = db.Close()
	}()

	mock.ExpectQuery(`INSERT INTO ingest_jobs`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(14))
	mock.ExpectExec(`SELECT pg_notify`).
		WillReturnError(errors.New("connection lost"))

	id, err := Enqueue(context.Background(), db, KindProcessEvent, map[string]string{"k": "v"}, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(14), id)
}

func TestEnqueueInsertFailure(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() {
		_ = db.Close()
	}()

	mock.ExpectQuery(`INSERT INTO ingest_jobs`).
		WillReturnError(errors.New("relation does not exist"))

	_, err = Enqueue(context.Background(), db, KindProcessEvent, map[string]string{"k": "v"}, 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "enqueue job")
}

func TestEnqueueRejectsUnmarshalablePayload(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() {
		_ = db.Close()
	}()

	_, err = Enqueue(context.Background(), db, KindProcessEvent, make(chan int), 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "marshal job payload")
}

func TestClaimNextEmptyQueue(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() {
		_ = db.Close()
	}()

	mock.ExpectQuery(`UPDATE ingest_jobs`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "kind", "payload", "attempts", "max_attempts"}))

	_, err = claimNext(context.Background(), db)
	require.Error(t, err)
}

func TestClaimNextReturnsJob(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() {
		_ = db.Close()
	}()

	mock.ExpectQuery(`UPDATE ingest_jobs`).
		WithArgs(StatusRunning, StatusPending).
		WillReturnRows(sqlmock.NewRows([]string{"id", "kind", "payload", "attempts", "max_attempts"}).
			AddRow(5, KindProcessEvent, []byte(`{"website_id":1}`), 1, 3))

	job, err := claimNext(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, int64(5), job.ID)
	assert.Equal(t, KindProcessEvent, job.Kind)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, 3, job.MaxAttempts)
}
