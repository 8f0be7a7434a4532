/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/alexandremahdhaoui/blockjob/internal/util/gracefulshutdown"
	"github.com/alexandremahdhaoui/blockjob/internal/util/logging"
	"github.com/alexandremahdhaoui/blockjob/pkg/blockjob"
	"github.com/alexandremahdhaoui/blockjob/pkg/params"
	"github.com/alexandremahdhaoui/blockjob/pkg/vmm"
)

// Exit codes of the run command.
const (
	ExitPassed = 0
	// ExitFailed means the job or VM did not behave as commanded.
	ExitFailed = 1
	// ExitError means the scenario could not be run as written.
	ExitError = 2
)

func newRunCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "Run a scenario against a running domain, then tear everything down",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}

			gs := gracefulshutdown.New(Name)
			gs.Shutdown(run(gs, cfg, args[0]))
			return nil
		},
	}
}

// run executes the scenario and returns the exit code. Teardown is
// registered on gs, so it also happens when the run is interrupted.
func run(gs *gracefulshutdown.GracefulShutdown, cfg *Config, scenarioPath string) int {
	// --------------------------------------------- Logging -------------------------------------------------------- //

	level, _ := logging.ParseLevel(cfg.LogLevel)
	logger := logging.Setup(logging.Options{Development: cfg.Development, Level: level}).
		WithValues("runID", uuid.NewString())
	logger.Info("starting", "name", Name, "version", Version, "commitSHA", CommitSHA)

	log := logging.Slog(logger, level)

	// --------------------------------------------- Scenario ------------------------------------------------------- //

	scenario, err := loadScenario(scenarioPath)
	if err != nil {
		log.Error("loading scenario", "error", err.Error())
		return ExitError
	}
	log = log.With("scenario", scenario.Name, "vmName", scenario.VM.Name)

	// --------------------------------------------- Metrics -------------------------------------------------------- //

	reg := prometheus.NewRegistry()
	metrics, err := blockjob.NewMetrics(reg)
	if err != nil {
		log.Error("registering metrics", "error", err.Error())
		return ExitError
	}

	if cfg.MetricsAddr != "" {
		srv := setupMetricsServer(cfg, reg)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", "error", err.Error())
			}
		}()
		gs.OnShutdown(func() { runFuncAndLogErr(srv.Close) })
	}

	// --------------------------------------------- VM ------------------------------------------------------------- //

	uri := cfg.LibvirtURI
	if uri == "" {
		uri = scenario.VM.URI
	}

	hypervisor, err := vmm.NewVMM(vmm.WithURI(uri))
	if err != nil {
		log.Error("connecting to libvirt", "error", err.Error())
		return ExitError
	}
	gs.OnShutdown(func() { runFuncAndLogErr(hypervisor.Close) })

	guest, err := guestOptions(scenario.VM.Guest)
	if err != nil {
		log.Error("reading guest credentials", "error", err.Error())
		return ExitError
	}

	vm, err := hypervisor.Attach(scenario.VM.Name, vmm.AttachOptions{
		Monitor: scenario.VM.Monitor,
		Guest:   guest,
	})
	if err != nil {
		log.Error("attaching to vm", "error", err.Error())
		return ExitError
	}

	// --------------------------------------------- Controller ----------------------------------------------------- //

	ctrl, err := blockjob.New(vm, scenario.Params, scenario.Tag,
		blockjob.WithDataDir(scenario.DataDir),
		blockjob.WithLogger(log),
		blockjob.WithMetrics(metrics),
		blockjob.WithDiagnostics(func(name string, err error) {
			log.Warn("background step failed", "step", name, "error", err.Error())
		}),
	)
	if err != nil {
		log.Error("creating block job controller", "error", err.Error())
		runFuncAndLogErr(vm.Destroy)
		return exitCode(err)
	}
	gs.OnShutdown(ctrl.Clean)

	// --------------------------------------------- Phases --------------------------------------------------------- //

	if err := runPhases(ctrl); err != nil {
		log.Error("scenario failed", "error", err.Error())
		return exitCode(err)
	}

	log.Info("scenario passed")
	return ExitPassed
}

// phaseRunner is the part of the controller driven by runPhases.
type phaseRunner interface {
	ActionBeforeStart() error
	ActionWhenStart() error
	ActionBeforeCleanup() error
}

func runPhases(ctrl phaseRunner) error {
	if err := ctrl.ActionBeforeStart(); err != nil {
		return err
	}
	if err := ctrl.ActionWhenStart(); err != nil {
		return err
	}
	return ctrl.ActionBeforeCleanup()
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitPassed
	case errors.Is(err, blockjob.ErrVerification):
		return ExitFailed
	default:
		return ExitError
	}
}

func loadScenario(path string) (*params.Scenario, error) {
	return params.NewLoader(filepath.Dir(path)).Load(filepath.Base(path))
}

func guestOptions(spec params.GuestSpec) (vmm.GuestOptions, error) {
	opts := vmm.GuestOptions{User: spec.User, Port: spec.Port}
	if spec.PrivateKeyPath == "" {
		return opts, nil
	}

	key, err := os.ReadFile(spec.PrivateKeyPath)
	if err != nil {
		return opts, fmt.Errorf("reading private key %s: %w", spec.PrivateKeyPath, err)
	}
	opts.PrivateKey = key
	return opts, nil
}

func runFuncAndLogErr(f func() error) {
	if err := f(); err != nil {
		slog.Error("executing func", "error", err.Error())
	}
}
