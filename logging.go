// Copyright 2015 Matthew Holt and The Caddy Authors
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

package relayd

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured key-value logger every component is handed
// explicitly at construction (spec.md §9: no package-level global state).
// It wraps *zap.Logger so call sites read like the teacher's own zap usage
// (zap.String, zap.Error) while keeping the event/frontend/peer/error
// field names spec.md §6 mandates on stderr output.
type Logger struct {
	z *zap.Logger
}

// NewLogger builds the process-wide zap logger. It writes structured
// records to stderr with zap's console encoder: tab-separated timestamp,
// level and message, followed by the record's fields (event, frontend,
// peer, error, ...) as one JSON object.
func NewLogger(debug bool) (Logger, error) {
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	z, err := cfg.Build()
	if err != nil {
		return Logger{}, err
	}
	return Logger{z: z}, nil
}

// NewDiscardLogger returns a Logger that drops everything; used by tests
// that don't care about log output.
func NewDiscardLogger() Logger {
	return Logger{z: zap.NewNop()}
}

func (l Logger) With(fields ...zap.Field) Logger {
	if l.z == nil {
		return NewDiscardLogger()
	}
	return Logger{z: l.z.With(fields...)}
}

func (l Logger) Named(frontend string) Logger {
	return l.With(zap.String("frontend", frontend))
}

func (l Logger) Debug(event string, fields ...zap.Field) {
	l.log(zapcore.DebugLevel, event, fields)
}

func (l Logger) Info(event string, fields ...zap.Field) {
	l.log(zapcore.InfoLevel, event, fields)
}

func (l Logger) Warn(event string, fields ...zap.Field) {
	l.log(zapcore.WarnLevel, event, fields)
}

func (l Logger) Error(event string, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err))
	l.log(zapcore.ErrorLevel, event, fields)
}

func (l Logger) log(level zapcore.Level, event string, fields []zap.Field) {
	if l.z == nil {
		return
	}
	fields = append([]zap.Field{zap.String("event", event)}, fields...)
	if ce := l.z.Check(level, event); ce != nil {
		ce.Write(fields...)
	}
}

// Core exposes the underlying zapcore.Core so callers that need to bridge
// into another logging façade (e.g. slog, via go.uber.org/zap/exp/zapslog)
// can do so without this package importing that façade itself.
func (l Logger) Core() zapcore.Core {
	if l.z == nil {
		return zapcore.NewNopCore()
	}
	return l.z.Core()
}

// Sync flushes any buffered log entries. Errors from syncing stderr are
// expected on some platforms and are intentionally ignored, matching the
// teacher's own logging.go Sync handling.
func (l Logger) Sync() {
	if l.z != nil {
		_ = l.z.Sync()
	}
}
