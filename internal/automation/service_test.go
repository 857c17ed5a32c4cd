package automation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scamhunter/internal/config"
	"github.com/xkilldash9x/scamhunter/internal/store"
)

type MockStore struct {
	mock.Mock
	now time.Time
}

func (m *MockStore) GetAutomation(ctx context.Context, id int64) (*store.Automation, error) {
	args := m.Called(ctx, id)
	a, _ := args.Get(0).(*store.Automation)
	return a, args.Error(1)
}

func (m *MockStore) ListAutomations(ctx context.Context) ([]store.Automation, error) {
	args := m.Called(ctx)
	out, _ := args.Get(0).([]store.Automation)
	return out, args.Error(1)
}

func (m *MockStore) SetAutomationLastRun(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockStore) CreateAutomationRun(ctx context.Context, automationID int64, snapshot map[string]any) (int64, error) {
	args := m.Called(ctx, automationID, snapshot)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) FinishAutomationRun(ctx context.Context, runID int64, status string, log any, reason *string) error {
	return m.Called(ctx, runID, status, log, reason).Error(0)
}

func (m *MockStore) CreateJob(ctx context.Context, jobType store.JobType, payload store.Payload) (int64, error) {
	args := m.Called(ctx, jobType, payload)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) Now() time.Time { return m.now }

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *MockStore, *fixture) {
	t.Helper()
	st := &MockStore{now: testNow}
	f := newFixture(t)
	return NewService(st, f.engine, zaptest.NewLogger(t)), st, f
}

func graphMap(t *testing.T, g Graph) map[string]any {
	t.Helper()
	m, err := g.Map()
	require.NoError(t, err)
	return m
}

func scanGraph(t *testing.T) map[string]any {
	return graphMap(t, Graph{
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "scan", Type: NodeQueueScan, Config: map[string]any{"urls": "https://{{event.domain}}"}},
		},
		Edges: []Edge{{From: "start", To: "scan"}},
	})
}

func TestRunAutomation_Success(t *testing.T) {
	svc, st, f := newTestService(t)
	ctx := context.Background()
	a := &store.Automation{ID: 1, Graph: scanGraph(t)}

	st.On("CreateAutomationRun", ctx, int64(1), mock.MatchedBy(func(snap map[string]any) bool {
		return snap["event_name"] == "scan_done" && snap["dry_run"] == false
	})).Return(int64(7), nil)
	st.On("FinishAutomationRun", ctx, int64(7), store.RunDone, mock.AnythingOfType("automation.Log"), (*string)(nil)).Return(nil)
	st.On("SetAutomationLastRun", ctx, int64(1)).Return(nil)

	out, err := svc.RunAutomation(ctx, a, "scan_done", map[string]any{"domain": "evil.test"}, false)
	require.NoError(t, err)

	assert.Equal(t, store.RunDone, out.Status)
	assert.Equal(t, int64(7), out.RunID)
	require.NotNil(t, out.Log)
	assert.Len(t, out.Log.Steps, 2)
	require.Len(t, f.queue.jobs, 1)
	assert.Equal(t, "https://evil.test", f.queue.jobs[0].Payload["url"])
	st.AssertExpectations(t)
}

func TestRunAutomation_DryRunKeepsLastRun(t *testing.T) {
	svc, st, f := newTestService(t)
	ctx := context.Background()
	a := &store.Automation{ID: 1, Graph: scanGraph(t)}

	st.On("CreateAutomationRun", ctx, int64(1), mock.Anything).Return(int64(8), nil)
	st.On("FinishAutomationRun", ctx, int64(8), store.RunDone, mock.Anything, (*string)(nil)).Return(nil)

	out, err := svc.RunAutomation(ctx, a, "", map[string]any{"domain": "evil.test"}, true)
	require.NoError(t, err)
	assert.Equal(t, store.RunDone, out.Status)
	assert.Empty(t, f.queue.jobs)
	st.AssertNotCalled(t, "SetAutomationLastRun", mock.Anything, mock.Anything)
}

func TestRunAutomation_HandlerErrorFailsRun(t *testing.T) {
	svc, st, f := newTestService(t)
	ctx := context.Background()
	f.queue.err = errors.New("queue unavailable")
	a := &store.Automation{ID: 2, Graph: scanGraph(t)}

	st.On("CreateAutomationRun", ctx, int64(2), mock.Anything).Return(int64(9), nil)
	st.On("FinishAutomationRun", ctx, int64(9), store.RunFailed, mock.Anything, mock.MatchedBy(func(reason *string) bool {
		return reason != nil && *reason == "failed to queue scan: queue unavailable"
	})).Return(nil)

	out, err := svc.RunAutomation(ctx, a, "", map[string]any{"domain": "evil.test"}, false)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, out.Status)
	assert.Equal(t, "failed to queue scan: queue unavailable", out.Error)
	assert.Nil(t, out.Log)
	st.AssertNotCalled(t, "SetAutomationLastRun", mock.Anything, mock.Anything)
	st.AssertExpectations(t)
}

func TestRunAutomation_PanicFailsRun(t *testing.T) {
	svc, st, f := newTestService(t)
	ctx := context.Background()
	f.pivots.panicOn = "crtsh"
	a := &store.Automation{ID: 3, Graph: graphMap(t, Graph{Nodes: []Node{{ID: "p", Type: NodePivotCrtsh, Config: map[string]any{"domain": "evil.test"}}}})}

	st.On("CreateAutomationRun", ctx, int64(3), mock.Anything).Return(int64(10), nil)
	st.On("FinishAutomationRun", ctx, int64(10), store.RunFailed, mock.Anything, mock.AnythingOfType("*string")).Return(nil)

	out, err := svc.RunAutomation(ctx, a, "", nil, false)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, out.Status)
	assert.Equal(t, "panic: crtsh exploded", out.Error)
	st.AssertExpectations(t)
}

func TestRunAutomation_CreateRunError(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	st.On("CreateAutomationRun", ctx, int64(1), mock.Anything).Return(int64(0), errors.New("db down"))

	_, err := svc.RunAutomation(ctx, &store.Automation{ID: 1}, "", nil, false)
	assert.ErrorContains(t, err, "db down")
	st.AssertNotCalled(t, "FinishAutomationRun", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRunScheduledAutomations(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	recent := testNow.Add(-10 * time.Second)
	stale := testNow.Add(-2 * time.Minute)
	every := func(seconds any) map[string]any { return map[string]any{"interval_seconds": seconds} }

	st.On("ListAutomations", ctx).Return([]store.Automation{
		{ID: 1, Enabled: true, TriggerType: store.TriggerSchedule, TriggerConfig: every(float64(60))},
		{ID: 2, Enabled: true, TriggerType: store.TriggerSchedule, TriggerConfig: every(float64(60)), LastRunAt: &recent},
		{ID: 3, Enabled: true, TriggerType: store.TriggerSchedule, TriggerConfig: every("60"), LastRunAt: &stale},
		{ID: 4, Enabled: false, TriggerType: store.TriggerSchedule, TriggerConfig: every(float64(60))},
		{ID: 5, Enabled: true, TriggerType: store.TriggerEvent, TriggerConfig: every(float64(60))},
		{ID: 6, Enabled: true, TriggerType: store.TriggerSchedule, TriggerConfig: map[string]any{}},
	}, nil)
	for _, id := range []int64{1, 3} {
		st.On("CreateJob", ctx, store.JobAutomationRun, store.Payload{"automation_id": id, "reason": "schedule"}).Return(id*10, nil).Once()
		st.On("SetAutomationLastRun", ctx, id).Return(nil).Once()
	}

	queued, err := svc.RunScheduledAutomations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, queued)
	st.AssertExpectations(t)
}

func TestRunEventAutomations(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	payload := map[string]any{"domain": "login.evil.test", "url": "https://login.evil.test/", "risk_score": float64(70)}

	st.On("ListAutomations", ctx).Return([]store.Automation{
		{ID: 1, Enabled: true, TriggerType: store.TriggerEvent, TriggerConfig: map[string]any{"event": "scan_done"}},
		{ID: 2, Enabled: true, TriggerType: store.TriggerEvent, TriggerConfig: map[string]any{"event": "other"}},
		{ID: 3, Enabled: true, TriggerType: store.TriggerEvent, TriggerConfig: map[string]any{}},
		{ID: 4, Enabled: true, TriggerType: store.TriggerEvent, TriggerConfig: map[string]any{"domain_regex": `\.com$`}},
		{ID: 5, Enabled: true, TriggerType: store.TriggerEvent, TriggerConfig: map[string]any{"risk_gte": float64(80)}},
		{ID: 6, Enabled: true, TriggerType: store.TriggerEvent, TriggerConfig: map[string]any{"url_regex": "("}},
		{ID: 7, Enabled: true, TriggerType: store.TriggerEvent, TriggerConfig: map[string]any{"url_regex": "^https://login", "risk_gte": "50"}},
		{ID: 8, Enabled: false, TriggerType: store.TriggerEvent, TriggerConfig: map[string]any{}},
		{ID: 9, Enabled: true, TriggerType: store.TriggerManual, TriggerConfig: map[string]any{}},
	}, nil)

	var queuedIDs []int64
	st.On("CreateJob", ctx, store.JobAutomationRun, mock.MatchedBy(func(p store.Payload) bool {
		return p["reason"] == "event:scan_done" && p["event"] == "scan_done" && p["payload"] != nil
	})).Run(func(args mock.Arguments) {
		queuedIDs = append(queuedIDs, args.Get(2).(store.Payload)["automation_id"].(int64))
	}).Return(int64(1), nil)

	queued, err := svc.RunEventAutomations(ctx, "scan_done", payload)
	require.NoError(t, err)
	assert.Equal(t, 3, queued)
	assert.Equal(t, []int64{1, 3, 7}, queuedIDs)
}

func TestHandleRunJob(t *testing.T) {
	ctx := context.Background()

	t.Run("missing id", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		res, err := svc.HandleRunJob(ctx, &store.Job{Payload: store.Payload{}})
		require.NoError(t, err)
		assert.Equal(t, store.StatusFailed, res.Status)
		assert.Equal(t, ReasonMissingAutomationID, res.Reason)
	})

	t.Run("not found", func(t *testing.T) {
		svc, st, _ := newTestService(t)
		st.On("GetAutomation", ctx, int64(4)).Return(nil, store.ErrNotFound)
		res, err := svc.HandleRunJob(ctx, &store.Job{Payload: store.Payload{"automation_id": float64(4)}})
		require.NoError(t, err)
		assert.Equal(t, store.StatusFailed, res.Status)
		assert.Equal(t, ReasonAutomationNotFound, res.Reason)
	})

	t.Run("runs with event payload", func(t *testing.T) {
		svc, st, f := newTestService(t)
		st.On("GetAutomation", ctx, int64(5)).Return(&store.Automation{ID: 5, Graph: scanGraph(t)}, nil)
		st.On("CreateAutomationRun", ctx, int64(5), mock.Anything).Return(int64(11), nil)
		st.On("FinishAutomationRun", ctx, int64(11), store.RunDone, mock.Anything, (*string)(nil)).Return(nil)
		st.On("SetAutomationLastRun", ctx, int64(5)).Return(nil)

		res, err := svc.HandleRunJob(ctx, &store.Job{Payload: store.Payload{
			"automation_id": "5",
			"event":         "scan_done",
			"payload":       map[string]any{"domain": "evil.test"},
		}})
		require.NoError(t, err)
		assert.Empty(t, res.Status)
		assert.Equal(t, map[string]any{"run_id": int64(11), "status": store.RunDone}, res.Data)
		require.Len(t, f.queue.jobs, 1)
		assert.Equal(t, "https://evil.test", f.queue.jobs[0].Payload["url"])
	})

	t.Run("store error", func(t *testing.T) {
		svc, st, _ := newTestService(t)
		st.On("GetAutomation", ctx, int64(6)).Return(nil, errors.New("db down"))
		_, err := svc.HandleRunJob(ctx, &store.Job{Payload: store.Payload{"automation_id": float64(6)}})
		assert.ErrorContains(t, err, "db down")
	})
}

func TestHandleEventJob(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := newTestService(t)

	res, err := svc.HandleEventJob(ctx, &store.Job{Payload: store.Payload{"event": "  "}})
	require.NoError(t, err)
	assert.Equal(t, ReasonMissingEvent, res.Reason)

	st.On("ListAutomations", ctx).Return([]store.Automation{
		{ID: 1, Enabled: true, TriggerType: store.TriggerEvent, TriggerConfig: map[string]any{}},
	}, nil)
	st.On("CreateJob", ctx, store.JobAutomationRun, mock.Anything).Return(int64(1), nil)

	res, err = svc.HandleEventJob(ctx, &store.Job{Payload: store.Payload{"event": "scan_done", "payload": map[string]any{"domain": "evil.test"}}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"queued": 1}, res.Data)
}

func TestNewEngine_Defaults(t *testing.T) {
	e := NewEngine(&fakeQueue{}, &fakeIOCs{}, &fakePivots{}, nil, config.AutomationConfig{}, zaptest.NewLogger(t))
	assert.Equal(t, 200, e.cfg.MaxSteps)
	assert.Equal(t, 200, e.cfg.MaxQueue)
	assert.Equal(t, 10*time.Second, e.cfg.WebhookTimeout)
}
