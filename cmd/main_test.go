// File: cmd/main_test.go
package cmd

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scamhunter/internal/config"
	"github.com/xkilldash9x/scamhunter/internal/observability"
	"github.com/xkilldash9x/scamhunter/internal/service"
)

func TestMain(m *testing.M) {
	// The first initialization wins, so PersistentPreRunE never opens a log file.
	cfg := config.NewDefaultConfig()
	cfg.LoggerCfg.LogFile = ""
	observability.InitializeLogger(cfg.Logger())

	exitCode := m.Run()

	observability.Sync()
	os.Exit(exitCode)
}

// mockComponentFactory stands in for the database-backed factory.
type mockComponentFactory struct {
	mock.Mock
}

func (m *mockComponentFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*service.Components, error) {
	args := m.Called(ctx, cfg, logger)
	c, _ := args.Get(0).(*service.Components)
	return c, args.Error(1)
}

// useFactory swaps the package factory for the duration of a test.
func useFactory(t *testing.T, f service.ComponentFactory) {
	t.Helper()
	prev := componentFactory
	componentFactory = f
	t.Cleanup(func() { componentFactory = prev })
}

// runRoot executes a fresh command tree with args and returns combined output.
func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(func() { cfgFile = "" })
	return runCommand(t, NewRootCommand(), args...)
}

func runCommand(t *testing.T, root *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}
