package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-registrar/internal/config"
	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

type fakeApp struct {
	ran    bool
	closed bool
	swept  []string
}

func (f *fakeApp) Run(context.Context) error {
	f.ran = true
	return nil
}

func (f *fakeApp) RunSweep(_ context.Context, name string) (int, error) {
	if name != "usage-reset" {
		return 0, fmt.Errorf("sweep %q: %w", name, registrar.ErrInvalidArgument)
	}
	f.swept = append(f.swept, name)
	return 3, nil
}

func (f *fakeApp) Sweeps() []string { return []string{"subscription-expiry", "usage-reset"} }

func (f *fakeApp) Close(context.Context) error {
	f.closed = true
	return nil
}

func withFakeApp(t *testing.T) *fakeApp {
	t.Helper()
	t.Setenv("REGISTRAR_AUTH_ENABLED", "false")
	app := &fakeApp{}
	prevApp, prevLogger := newApp, newLogger
	newApp = func(context.Context, config.Config, *zap.Logger) (App, error) { return app, nil }
	newLogger = func(config.Config) (*zap.Logger, error) { return zap.NewNop(), nil }
	t.Cleanup(func() {
		newApp, newLogger = prevApp, prevLogger
	})
	return app
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestServeRunsAndCloses(t *testing.T) {
	app := withFakeApp(t)

	_, err := execute(t, "serve")
	require.NoError(t, err)
	assert.True(t, app.ran)
	assert.True(t, app.closed)
}

func TestSweepReportsCount(t *testing.T) {
	app := withFakeApp(t)

	out, err := execute(t, "sweep", "usage-reset")
	require.NoError(t, err)
	assert.Contains(t, out, "usage-reset: 3 updated")
	assert.Equal(t, []string{"usage-reset"}, app.swept)
}

func TestSweepRejectsUnknownName(t *testing.T) {
	withFakeApp(t)

	_, err := execute(t, "sweep", "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, registrar.ErrInvalidArgument))
	assert.Contains(t, err.Error(), "subscription-expiry, usage-reset")
}

func TestSweepRequiresName(t *testing.T) {
	withFakeApp(t)

	_, err := execute(t, "sweep")
	require.Error(t, err)
}

func TestInvalidConfigFailsBeforeBuild(t *testing.T) {
	withFakeApp(t)
	t.Setenv("REGISTRAR_SERVER_PORT", "0")
	built := false
	newApp = func(context.Context, config.Config, *zap.Logger) (App, error) {
		built = true
		return &fakeApp{}, nil
	}

	_, err := execute(t, "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
	assert.False(t, built)
}

func TestMissingConfigFileFails(t *testing.T) {
	withFakeApp(t)

	_, err := execute(t, "--config", t.TempDir()+"/missing.yaml", "serve")
	require.Error(t, err)
}
