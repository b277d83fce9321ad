/*
Copyright 2025 DSA-110 Continuum Imaging.

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

// Package logging wires the control plane's logr.Logger consumer surface to
// a concrete zap core, and provides a chainable field builder for the
// handful of structured fields every component attaches consistently.
package logging

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a logr.Logger backed by zap, at the requested level, in either
// "json" (production) or "console" (development) format.
func New(level string, format string) (logr.Logger, error) {
	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	zl, err := cfg.Build()
	if err != nil {
		return logr.Logger{}, err
	}
	return zapr.NewLogger(zl), nil
}

// Fields is a chainable builder for the standard key-value pairs attached
// to log lines across the control plane.
type Fields map[string]any

// NewFields returns an empty Fields builder.
func NewFields() Fields {
	return Fields{}
}

// Component records which component emitted the line (e.g. "orchestrator").
func (f Fields) Component(name string) Fields {
	f["component"] = name
	return f
}

// Operation records the operation in progress (e.g. "claim_next_pending").
func (f Fields) Operation(op string) Fields {
	f["operation"] = op
	return f
}

// Resource records the kind and, if known, the name of the resource being
// acted on (e.g. Resource("group", "20260101T000000")).
func (f Fields) Resource(kind, name string) Fields {
	f["resource_type"] = kind
	if name != "" {
		f["resource_name"] = name
	}
	return f
}

// Duration attaches an elapsed-time field, in seconds, matching the
// duration_seconds convention used by stage execution records.
func (f Fields) Duration(seconds float64) Fields {
	f["duration_seconds"] = seconds
	return f
}

// Err attaches an error field, omitted entirely when err is nil.
func (f Fields) Err(err error) Fields {
	if err != nil {
		f["error"] = err.Error()
	}
	return f
}

// KeysAndValues flattens the builder into the alternating-key-value slice
// logr.Logger methods expect.
func (f Fields) KeysAndValues() []any {
	out := make([]any, 0, len(f)*2)
	for k, v := range f {
		out = append(out, k, v)
	}
	return out
}
