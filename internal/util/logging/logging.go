// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logging sets up controller-runtime's zap logger for the blockjob
// binaries and routes log/slog into it through logr.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// ErrUnknownLevel is returned by ParseLevel.
var ErrUnknownLevel = errors.New("unknown log level")

// Options configures the logger behavior.
type Options struct {
	// Development switches to human-readable text output.
	Development bool

	// Level sets the minimum log level. Defaults to slog.LevelInfo.
	Level slog.Level

	// Output defaults to os.Stderr, leaving stdout to command results.
	Output io.Writer
}

// Setup builds a controller-runtime zap logger writing to Options.Output and
// installs it as both the controller-runtime logger and, through logr's slog
// bridge, the default slog logger. The zap logger is returned.
func Setup(opts Options) logr.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	zapOpts := zap.Options{
		Development: opts.Development,
		DestWriter:  out,
		// slog debug is logr V(4), which zapr writes at zap level -4.
		Level: zapcore.Level(min(int8(opts.Level), 0)),
	}
	logger := zap.New(zap.UseFlagOptions(&zapOpts))
	ctrl.SetLogger(logger)

	slog.SetDefault(Slog(logger, opts.Level))

	return logger
}

// Slog returns a slog.Logger writing through logger, dropping records below
// level.
func Slog(logger logr.Logger, level slog.Leveler) *slog.Logger {
	return slog.New(&levelHandler{level: level, handler: logr.ToSlogHandler(logger)})
}

// levelHandler drops records below level before they reach logr, which
// folds slog warn into V(0).
type levelHandler struct {
	level   slog.Leveler
	handler slog.Handler
}

func (h *levelHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level.Level() && h.handler.Enabled(ctx, level)
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.handler.Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithAttrs(attrs)}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithGroup(name)}
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, errors.Join(fmt.Errorf("level=%q", s), ErrUnknownLevel)
	}
}
