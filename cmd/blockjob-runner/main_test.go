package main

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandremahdhaoui/blockjob/internal/util/logging"
	"github.com/alexandremahdhaoui/blockjob/pkg/blockjob"
	"github.com/alexandremahdhaoui/blockjob/pkg/params"
)

const scenarioYAML = `
name: mirror-cancel
vm:
  name: guest-1
tag: image1
dataDir: data
params:
  image_name_image1: images/guest
  cancel_timeout: 12
  max_speed: 10M
  before_start: set_speed
  when_start: reboot
  before_cleanup: %s
`

func writeScenario(t *testing.T, cleanupSteps string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(scenarioYAML, cleanupSteps)), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestStepsCmd(t *testing.T) {
	out, err := execute(t, "steps")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Equal(t, blockjob.StepNames(), lines)
}

func TestValidateCmd(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		path := writeScenario(t, "cancel verify_alive")

		out, err := execute(t, "validate", path)
		require.NoError(t, err)

		assert.Contains(t, out, "mirror-cancel")
		assert.Contains(t, out, filepath.Join(filepath.Dir(path), "data", "images", "guest.qcow2"))
		assert.Contains(t, out, "cancel timeout: 12s")
		assert.Contains(t, out, "expected speed: 10485760 B/s")
		assert.Contains(t, out, "before_cleanup: cancel verify_alive")
	})

	t.Run("unknown step", func(t *testing.T) {
		path := writeScenario(t, "cancel explode")

		_, err := execute(t, "validate", path)
		assert.ErrorIs(t, err, blockjob.ErrUnknownStep)
		assert.ErrorIs(t, err, blockjob.ErrUsage)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := execute(t, "validate", filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("requires an argument", func(t *testing.T) {
		_, err := execute(t, "validate")
		assert.Error(t, err)
	})
}

func TestLoadConfig(t *testing.T) {
	newConfig := func(t *testing.T) (*Config, error) {
		t.Helper()
		v := viper.New()
		bindFlags(&cobra.Command{}, v)
		return loadConfig(v)
	}

	t.Run("defaults", func(t *testing.T) {
		cfg, err := newConfig(t)
		require.NoError(t, err)

		assert.Equal(t, "info", cfg.LogLevel)
		assert.False(t, cfg.Development)
		assert.Empty(t, cfg.MetricsAddr)
		assert.Equal(t, "/metrics", cfg.MetricsPath)
	})

	t.Run("env overrides", func(t *testing.T) {
		t.Setenv("BLOCKJOB_LOG_LEVEL", "debug")
		t.Setenv("BLOCKJOB_LIBVIRT_URI", "qemu:///session")
		t.Setenv("BLOCKJOB_METRICS_ADDR", ":9090")

		cfg, err := newConfig(t)
		require.NoError(t, err)

		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, "qemu:///session", cfg.LibvirtURI)
		assert.Equal(t, ":9090", cfg.MetricsAddr)
	})

	t.Run("invalid level", func(t *testing.T) {
		t.Setenv("BLOCKJOB_LOG_LEVEL", "chatty")

		_, err := newConfig(t)
		assert.ErrorIs(t, err, logging.ErrUnknownLevel)
	})

	t.Run("invalid metrics path", func(t *testing.T) {
		t.Setenv("BLOCKJOB_METRICS_ADDR", ":9090")
		t.Setenv("BLOCKJOB_METRICS_PATH", "metrics")

		_, err := newConfig(t)
		assert.Error(t, err)
	})
}

func TestSetupMetricsServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := blockjob.NewMetrics(reg)
	require.NoError(t, err)

	srv := setupMetricsServer(&Config{MetricsAddr: ":0", MetricsPath: "/custom"}, reg)
	assert.Equal(t, ":0", srv.Addr)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/custom", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "blockjob_monitor_lock_retries_total")

	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type fakePhases struct {
	calls []string
	fail  map[string]error
}

func (f *fakePhases) call(name string) error {
	f.calls = append(f.calls, name)
	return f.fail[name]
}

func (f *fakePhases) ActionBeforeStart() error   { return f.call(blockjob.PhaseBeforeStart) }
func (f *fakePhases) ActionWhenStart() error     { return f.call(blockjob.PhaseWhenStart) }
func (f *fakePhases) ActionBeforeCleanup() error { return f.call(blockjob.PhaseBeforeCleanup) }

func TestRunPhases(t *testing.T) {
	t.Run("all phases in order", func(t *testing.T) {
		f := &fakePhases{}
		require.NoError(t, runPhases(f))
		assert.Equal(t, []string{"before_start", "when_start", "before_cleanup"}, f.calls)
	})

	t.Run("stops at the first failure", func(t *testing.T) {
		boom := errors.New("boom")
		f := &fakePhases{fail: map[string]error{blockjob.PhaseBeforeStart: boom}}

		assert.ErrorIs(t, runPhases(f), boom)
		assert.Equal(t, []string{"before_start"}, f.calls)
	})
}

func TestExitCode(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
		want int
	}{
		{"passed", nil, ExitPassed},
		{"verification", &blockjob.OperationError{Op: "cancel", Kind: blockjob.ErrVerification}, ExitFailed},
		{"usage", &blockjob.OperationError{Op: "steps", Kind: blockjob.ErrUsage}, ExitError},
		{"other", errors.New("libvirt gone"), ExitError},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, exitCode(tc.err))
		})
	}
}

func TestGuestOptions(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, []byte("key material"), 0o600))

	opts, err := guestOptions(params.GuestSpec{User: "root", PrivateKeyPath: keyPath, Port: "2222"})
	require.NoError(t, err)
	assert.Equal(t, "root", opts.User)
	assert.Equal(t, "2222", opts.Port)
	assert.Equal(t, []byte("key material"), opts.PrivateKey)

	opts, err = guestOptions(params.GuestSpec{User: "root"})
	require.NoError(t, err)
	assert.Nil(t, opts.PrivateKey)

	_, err = guestOptions(params.GuestSpec{PrivateKeyPath: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)
}
