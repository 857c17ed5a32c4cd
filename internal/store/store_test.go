package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

// ArgumentMatcherFunc is a helper to create inline mock matchers.
type ArgumentMatcherFunc func(interface{}) bool

func (f ArgumentMatcherFunc) Match(v interface{}) bool {
	return f(v)
}

// anyArg accepts any value.
var anyArg = ArgumentMatcherFunc(func(v interface{}) bool {
	return true
})

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T, logger *zap.Logger) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	if logger == nil {
		logger = zap.NewNop()
	}
	mockPool.ExpectPing().WillReturnError(nil)
	s, err := New(context.Background(), mockPool, logger)
	require.NoError(t, err)
	s.SetClock(func() time.Time { return fixedNow })
	return s, mockPool
}

func jobRow(id int64, status string, payload string) *pgxmock.Rows {
	return pgxmock.NewRows([]string{"id", "type", "status", "payload", "lease_until", "lease_owner", "attempts", "last_error", "created_at", "updated_at"}).
		AddRow(id, "scan", status, []byte(payload), nil, nil, 0, nil, fixedNow, fixedNow)
}

// -- Test Cases --

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestCreateJob(t *testing.T) {
	s, mock := newMockStore(t, nil)

	mock.ExpectQuery(flexibleSQLMatcher(sqlInsertJob)).
		WithArgs("scan", []byte(`{"url":"https://a.test"}`), fixedNow).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(42)))

	id, err := s.CreateJob(context.Background(), JobScan, Payload{"url": "https://a.test"})
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLeaseNext(t *testing.T) {
	ctx := context.Background()

	t.Run("should lease the oldest eligible job inside a transaction", func(t *testing.T) {
		observedCore, observedLogs := observer.New(zapcore.ErrorLevel)
		s, mock := newMockStore(t, zap.New(observedCore))

		mock.ExpectBegin()
		mock.ExpectQuery(flexibleSQLMatcher(sqlSelectLeasable)).
			WithArgs(fixedNow).
			WillReturnRows(jobRow(7, "QUEUED", `{"url":"https://a.test"}`))
		mock.ExpectExec(flexibleSQLMatcher(sqlLeaseJob)).
			WithArgs(fixedNow.Add(30*time.Second), "worker-1", fixedNow, int64(7)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectCommit()
		mock.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		job, err := s.LeaseNext(ctx, "worker-1", 30*time.Second)
		require.NoError(t, err)
		require.NotNil(t, job)

		assert.Equal(t, int64(7), job.ID)
		assert.Equal(t, StatusRunning, job.Status)
		assert.Equal(t, 1, job.Attempts)
		require.NotNil(t, job.LeaseUntil)
		assert.Equal(t, fixedNow.Add(30*time.Second), *job.LeaseUntil)
		assert.Equal(t, "https://a.test", job.Payload.String("url"))
		assert.NoError(t, mock.ExpectationsWereMet())
		assert.Equal(t, 0, observedLogs.Len(), "closed-tx rollback must not be logged")
	})

	t.Run("should return nil without error when nothing is leasable", func(t *testing.T) {
		s, mock := newMockStore(t, nil)

		mock.ExpectBegin()
		mock.ExpectQuery(flexibleSQLMatcher(sqlSelectLeasable)).
			WithArgs(fixedNow).
			WillReturnRows(pgxmock.NewRows([]string{"id"}))
		mock.ExpectCommit()
		mock.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		job, err := s.LeaseNext(ctx, "worker-1", 30*time.Second)
		require.NoError(t, err)
		assert.Nil(t, job)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("should roll back when the lease update fails", func(t *testing.T) {
		s, mock := newMockStore(t, nil)
		dbErr := errors.New("serialization failure")

		mock.ExpectBegin()
		mock.ExpectQuery(flexibleSQLMatcher(sqlSelectLeasable)).
			WithArgs(fixedNow).
			WillReturnRows(jobRow(3, "RUNNING", `{}`))
		mock.ExpectExec(flexibleSQLMatcher(sqlLeaseJob)).WillReturnError(dbErr)
		mock.ExpectRollback()

		job, err := s.LeaseNext(ctx, "worker-1", time.Minute)
		assert.Nil(t, job)
		assert.ErrorIs(t, err, dbErr)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRenewLease(t *testing.T) {
	s, mock := newMockStore(t, nil)

	mock.ExpectExec(flexibleSQLMatcher(sqlRenewLease)).
		WithArgs(fixedNow.Add(time.Minute), fixedNow, int64(5), "owner-a").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(flexibleSQLMatcher(sqlRenewLease)).
		WithArgs(fixedNow.Add(time.Minute), fixedNow, int64(5), "owner-b").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := s.RenewLease(context.Background(), 5, "owner-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.RenewLease(context.Background(), 5, "owner-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a non-owner must not extend the lease")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobStatus(t *testing.T) {
	t.Run("terminal status clears the lease", func(t *testing.T) {
		s, mock := newMockStore(t, nil)
		reason := "boom"
		mock.ExpectExec(flexibleSQLMatcher(sqlUpdateJobStatus)).
			WithArgs("FAILED", &reason, fixedNow, true, int64(9)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, s.UpdateJobStatus(context.Background(), 9, StatusFailed, &reason))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing job reports ErrNotFound", func(t *testing.T) {
		s, mock := newMockStore(t, nil)
		mock.ExpectExec(flexibleSQLMatcher(sqlUpdateJobStatus)).
			WithArgs("QUEUED", anyArg, fixedNow, false, int64(404)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err := s.UpdateJobStatus(context.Background(), 404, StatusQueued, nil)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestGetJobStatus(t *testing.T) {
	s, mock := newMockStore(t, nil)

	mock.ExpectQuery(flexibleSQLMatcher(sqlGetJobStatus)).WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("STOPPED"))
	mock.ExpectQuery(flexibleSQLMatcher(sqlGetJobStatus)).WithArgs(int64(2)).
		WillReturnRows(pgxmock.NewRows([]string{"status"}))

	st, err := s.GetJobStatus(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, st)

	_, err = s.GetJobStatus(context.Background(), 2)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRequeueStuck(t *testing.T) {
	s, mock := newMockStore(t, nil)
	mock.ExpectExec(flexibleSQLMatcher(sqlRequeueStuck)).
		WithArgs(fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := s.RequeueStuck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFilterNewJobURLs(t *testing.T) {
	s, mock := newMockStore(t, nil)
	in := []string{"https://a.test", "https://b.test", "https://a.test", "", "https://c.test"}

	for i := 0; i < 2; i++ {
		mock.ExpectQuery(flexibleSQLMatcher(sqlQueuedJobURLs)).
			WithArgs([]string{"https://a.test", "https://b.test", "https://c.test"}).
			WillReturnRows(pgxmock.NewRows([]string{"url"}).AddRow("https://b.test"))
	}

	first, err := s.FilterNewJobURLs(context.Background(), in)
	require.NoError(t, err)
	second, err := s.FilterNewJobURLs(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, []string{"https://a.test", "https://c.test"}, first)
	assert.Equal(t, first, second, "filtering is idempotent without intervening inserts")
	assert.NoError(t, mock.ExpectationsWereMet())

	empty, err := s.FilterNewJobURLs(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestClaimSchedulerTick(t *testing.T) {
	s, mock := newMockStore(t, nil)

	mock.ExpectExec(flexibleSQLMatcher(sqlClaimSchedulerTk)).
		WithArgs("hunts", fixedNow, fixedNow.Add(-10*time.Second)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(flexibleSQLMatcher(sqlClaimSchedulerTk)).
		WithArgs("hunts", fixedNow, fixedNow.Add(-10*time.Second)).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	ok, err := s.ClaimSchedulerTick(context.Background(), "hunts", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimSchedulerTick(context.Background(), "hunts", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "a tick claimed within the interval must not fire again")
}

func TestUpdateTarget(t *testing.T) {
	t.Run("builds a sorted SET clause and encodes json columns", func(t *testing.T) {
		s, mock := newMockStore(t, nil)
		sql := "UPDATE targets SET redirect_chain = $1, status = $2, updated_at = $3 WHERE id = $4"
		mock.ExpectExec(regexp.QuoteMeta(sql)).
			WithArgs([]byte(`[{"status":200,"url":"https://a.test"}]`), "DONE", fixedNow, int64(11)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		err := s.UpdateTarget(context.Background(), 11, TargetFields{
			"status":         "DONE",
			"redirect_chain": []map[string]any{{"url": "https://a.test", "status": 200}},
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects unknown columns", func(t *testing.T) {
		s, _ := newMockStore(t, nil)
		err := s.UpdateTarget(context.Background(), 1, TargetFields{"id": 5})
		assert.ErrorContains(t, err, "not updatable")
	})
}

func TestDeleteTarget(t *testing.T) {
	s, mock := newMockStore(t, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(flexibleSQLMatcher(sqlTargetURLLock)).WithArgs(int64(4)).
		WillReturnRows(pgxmock.NewRows([]string{"url"}).AddRow("https://a.test"))
	mock.ExpectExec(flexibleSQLMatcher(sqlDeleteTarget)).WithArgs(int64(4)).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(flexibleSQLMatcher(sqlDeleteJobsByURL)).WithArgs("https://a.test").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectCommit()
	mock.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

	require.NoError(t, s.DeleteTarget(context.Background(), 4))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertNodeAndCampaign(t *testing.T) {
	s, mock := newMockStore(t, nil)

	mock.ExpectQuery(flexibleSQLMatcher(sqlUpsertNode)).WithArgs("domain", "example.com", fixedNow).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectQuery(flexibleSQLMatcher(sqlUpsertNode)).WithArgs("domain", "example.com", fixedNow).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectQuery(flexibleSQLMatcher(sqlUpsertCampaign)).WithArgs("dom:abc", fixedNow).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(8)))

	a, err := s.UpsertNode(context.Background(), "domain", "example.com")
	require.NoError(t, err)
	b, err := s.UpsertNode(context.Background(), "domain", "example.com")
	require.NoError(t, err)
	assert.Equal(t, a, b, "re-upserting the same key reuses the node")

	cid, err := s.EnsureCampaign(context.Background(), "dom:abc")
	require.NoError(t, err)
	assert.Equal(t, int64(8), cid)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListIOCs_Filters(t *testing.T) {
	s, mock := newMockStore(t, nil)
	from := fixedNow.Add(-24 * time.Hour)

	want := sqlSelectIOCs + " WHERE kind = $1 AND domain ILIKE $2 AND created_at >= $3 ORDER BY id DESC LIMIT $4"
	mock.ExpectQuery(regexp.QuoteMeta(want)).
		WithArgs("email", "%shop%", from, 200).
		WillReturnRows(pgxmock.NewRows([]string{"id", "kind", "value", "target_id", "url", "domain", "source", "note", "created_at"}).
			AddRow(int64(1), "email", "a@shop.test", nil, nil, nil, nil, nil, fixedNow))

	out, err := s.ListIOCs(context.Background(), IOCFilter{Kind: "email", Domain: "shop", DateFrom: &from})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "a@shop.test", out[0].Value)
	assert.Nil(t, out[0].TargetID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestParseJobStatus(t *testing.T) {
	for _, ok := range []string{"QUEUED", "RUNNING", "DONE", "FAILED", "SKIPPED", "STOPPED"} {
		st, err := ParseJobStatus(ok)
		require.NoError(t, err)
		assert.Equal(t, JobStatus(ok), st)
	}
	_, err := ParseJobStatus("PAUSED")
	assert.ErrorIs(t, err, ErrInvalidStatus)

	assert.True(t, StatusStopped.Cancelled())
	assert.False(t, StatusRunning.Terminal())
}

func TestPayloadAccessors(t *testing.T) {
	p := Payload{"max_pages": float64(3), "max_depth": "0", "use_sitemap": "0", "url": "https://a.test", "n": nil}

	assert.Equal(t, 3, p.Int("max_pages", 200))
	assert.Equal(t, 0, p.Int("max_depth", 2), "explicit zero is kept")
	assert.Equal(t, 2, p.Int("missing", 2))
	assert.False(t, p.Bool("use_sitemap", true))
	assert.True(t, p.Bool("missing", true))
	assert.Equal(t, "", p.String("n"))
	assert.Equal(t, "https://a.test", p.String("url"))
}
