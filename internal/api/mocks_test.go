package api

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/scamhunter/internal/store"
)

// MockStore is a testify mock of Store.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) CreateJob(ctx context.Context, jobType store.JobType, payload store.Payload) (int64, error) {
	args := m.Called(ctx, jobType, payload)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) ListJobs(ctx context.Context, limit int) ([]store.Job, error) {
	args := m.Called(ctx, limit)
	v, _ := args.Get(0).([]store.Job)
	return v, args.Error(1)
}

func (m *MockStore) UpdateJobStatus(ctx context.Context, id int64, status store.JobStatus, lastError *string) error {
	return m.Called(ctx, id, status, lastError).Error(0)
}

func (m *MockStore) RequeueJob(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockStore) DeleteJob(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockStore) ListTargets(ctx context.Context, limit int) ([]store.Target, error) {
	args := m.Called(ctx, limit)
	v, _ := args.Get(0).([]store.Target)
	return v, args.Error(1)
}

func (m *MockStore) GetTarget(ctx context.Context, id int64) (*store.Target, error) {
	args := m.Called(ctx, id)
	v, _ := args.Get(0).(*store.Target)
	return v, args.Error(1)
}

func (m *MockStore) SearchTargets(ctx context.Context, f store.TargetSearch) ([]store.Target, error) {
	args := m.Called(ctx, f)
	v, _ := args.Get(0).([]store.Target)
	return v, args.Error(1)
}

func (m *MockStore) FindTargetsByField(ctx context.Context, field, value string, limit int) ([]store.Target, error) {
	args := m.Called(ctx, field, value, limit)
	v, _ := args.Get(0).([]store.Target)
	return v, args.Error(1)
}

func (m *MockStore) FindAssetsByHash(ctx context.Context, hash string, limit int) ([]store.Asset, error) {
	args := m.Called(ctx, hash, limit)
	v, _ := args.Get(0).([]store.Asset)
	return v, args.Error(1)
}

func (m *MockStore) ListIndicators(ctx context.Context, targetID int64) ([]store.Indicator, error) {
	args := m.Called(ctx, targetID)
	v, _ := args.Get(0).([]store.Indicator)
	return v, args.Error(1)
}

func (m *MockStore) DeleteTarget(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockStore) ListCampaigns(ctx context.Context, limit int) ([]store.Campaign, error) {
	args := m.Called(ctx, limit)
	v, _ := args.Get(0).([]store.Campaign)
	return v, args.Error(1)
}

func (m *MockStore) ListGraph(ctx context.Context, limit int) (*store.Graph, error) {
	args := m.Called(ctx, limit)
	v, _ := args.Get(0).(*store.Graph)
	return v, args.Error(1)
}

func (m *MockStore) ListAlerts(ctx context.Context, limit int) ([]store.Alert, error) {
	args := m.Called(ctx, limit)
	v, _ := args.Get(0).([]store.Alert)
	return v, args.Error(1)
}

func (m *MockStore) CreateSignature(ctx context.Context, sig store.Signature) (int64, error) {
	args := m.Called(ctx, sig)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) ListSignatures(ctx context.Context, enabledOnly bool) ([]store.Signature, error) {
	args := m.Called(ctx, enabledOnly)
	v, _ := args.Get(0).([]store.Signature)
	return v, args.Error(1)
}

func (m *MockStore) CreateAlertRule(ctx context.Context, rule store.AlertRule) (int64, error) {
	args := m.Called(ctx, rule)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) ListAlertRules(ctx context.Context, enabledOnly bool) ([]store.AlertRule, error) {
	args := m.Called(ctx, enabledOnly)
	v, _ := args.Get(0).([]store.AlertRule)
	return v, args.Error(1)
}

func (m *MockStore) CreateYaraRule(ctx context.Context, r store.YaraRule) (int64, error) {
	args := m.Called(ctx, r)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) ListYaraRules(ctx context.Context, enabledOnly bool) ([]store.YaraRule, error) {
	args := m.Called(ctx, enabledOnly)
	v, _ := args.Get(0).([]store.YaraRule)
	return v, args.Error(1)
}

func (m *MockStore) CreateIOC(ctx context.Context, ioc store.IOC) (int64, error) {
	args := m.Called(ctx, ioc)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) ListIOCs(ctx context.Context, f store.IOCFilter) ([]store.IOC, error) {
	args := m.Called(ctx, f)
	v, _ := args.Get(0).([]store.IOC)
	return v, args.Error(1)
}

func (m *MockStore) CreateHunt(ctx context.Context, h store.Hunt) (int64, error) {
	args := m.Called(ctx, h)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) ListHunts(ctx context.Context) ([]store.Hunt, error) {
	args := m.Called(ctx)
	v, _ := args.Get(0).([]store.Hunt)
	return v, args.Error(1)
}

func (m *MockStore) ListHuntRuns(ctx context.Context, limit int) ([]store.HuntRun, error) {
	args := m.Called(ctx, limit)
	v, _ := args.Get(0).([]store.HuntRun)
	return v, args.Error(1)
}

func (m *MockStore) CreateAutomation(ctx context.Context, a store.Automation) (int64, error) {
	args := m.Called(ctx, a)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) UpdateAutomation(ctx context.Context, a store.Automation) error {
	return m.Called(ctx, a).Error(0)
}

func (m *MockStore) GetAutomation(ctx context.Context, id int64) (*store.Automation, error) {
	args := m.Called(ctx, id)
	v, _ := args.Get(0).(*store.Automation)
	return v, args.Error(1)
}

func (m *MockStore) ListAutomations(ctx context.Context) ([]store.Automation, error) {
	args := m.Called(ctx)
	v, _ := args.Get(0).([]store.Automation)
	return v, args.Error(1)
}

func (m *MockStore) DeleteAutomation(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockStore) ListAutomationRuns(ctx context.Context, automationID int64, limit int) ([]store.AutomationRun, error) {
	args := m.Called(ctx, automationID, limit)
	v, _ := args.Get(0).([]store.AutomationRun)
	return v, args.Error(1)
}
