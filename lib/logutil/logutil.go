/*
 * Warden
 * Copyright (C) 2024  Corvo Systems, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package logutil wires process logging: a text handler on stderr plus one
// dated JSON file per component under the logs directory.
package logutil

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/corvohq/warden"
	"github.com/corvohq/warden/lib/defaults"
)

// Config configures the process logger.
type Config struct {
	// Level is the minimum severity: debug, info, warn or error.
	Level string
	// Dir is the directory for per component log files. Empty disables
	// file output.
	Dir string
	// ToStderr mirrors all records to stderr in text form.
	ToStderr bool
	// Clock is used to date log files.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Level == "" {
		c.Level = "info"
	}
	if _, err := parseLevel(c.Level); err != nil {
		return trace.Wrap(err)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Manager hands out component loggers and owns the file sinks.
type Manager struct {
	cfg   Config
	level slog.Level

	mu    sync.Mutex
	files map[string]*datedFile
}

// NewManager builds a Manager from cfg.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	level, _ := parseLevel(cfg.Level)
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, defaults.DirMode); err != nil {
			return nil, trace.ConvertSystemError(err)
		}
	}
	return &Manager{
		cfg:   cfg,
		level: level,
		files: make(map[string]*datedFile),
	}, nil
}

// InitLoggerForTests points the default logger at stderr on debug so
// failing tests carry the full record stream.
func InitLoggerForTests() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})))
}

// Component returns a logger bound to the named component. Records land on
// stderr and in <dir>/<component>-<date>.log.
func (m *Manager) Component(name string) *slog.Logger {
	var handlers []slog.Handler
	if m.cfg.ToStderr {
		handlers = append(handlers, slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: m.level}))
	}
	if m.cfg.Dir != "" {
		m.mu.Lock()
		sink, ok := m.files[name]
		if !ok {
			sink = &datedFile{dir: m.cfg.Dir, component: name, clock: m.cfg.Clock}
			m.files[name] = sink
		}
		m.mu.Unlock()
		handlers = append(handlers, slog.NewJSONHandler(sink, &slog.HandlerOptions{Level: m.level}))
	}
	if len(handlers) == 0 {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(newFanout(handlers...)).With(warden.ComponentKey, name)
}

// Close closes every open log file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errors []error
	for _, f := range m.files {
		errors = append(errors, f.Close())
	}
	return trace.NewAggregate(errors...)
}

// Prune removes log files older than horizon. Returns how many files were
// deleted.
func (m *Manager) Prune(horizon time.Duration) (int, error) {
	if m.cfg.Dir == "" {
		return 0, nil
	}
	cutoff := m.cfg.Clock.Now().Add(-horizon)
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		return 0, trace.ConvertSystemError(err)
	}
	removed := 0
	var errors []error
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			errors = append(errors, trace.ConvertSystemError(err))
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(m.cfg.Dir, entry.Name())); err != nil {
			errors = append(errors, trace.ConvertSystemError(err))
			continue
		}
		removed++
	}
	return removed, trace.NewAggregate(errors...)
}

// datedFile appends to <dir>/<component>-<YYYY-MM-DD>.log and reopens when
// the date rolls over.
type datedFile struct {
	dir       string
	component string
	clock     clockwork.Clock

	mu   sync.Mutex
	date string
	file *os.File
}

func (d *datedFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	today := d.clock.Now().Format(time.DateOnly)
	if d.file == nil || d.date != today {
		if d.file != nil {
			d.file.Close()
		}
		name := filepath.Join(d.dir, d.component+"-"+today+".log")
		file, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_APPEND, defaults.MetadataFileMode)
		if err != nil {
			return 0, trace.ConvertSystemError(err)
		}
		d.file, d.date = file, today
	}
	return d.file.Write(p)
}

func (d *datedFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return trace.ConvertSystemError(err)
}

// fanout forwards each record to every child handler.
type fanout struct {
	handlers []slog.Handler
}

func newFanout(handlers ...slog.Handler) *fanout {
	return &fanout{handlers: handlers}
}

func (f *fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f *fanout) Handle(ctx context.Context, record slog.Record) error {
	var errors []error
	for _, h := range f.handlers {
		if h.Enabled(ctx, record.Level) {
			errors = append(errors, h.Handle(ctx, record.Clone()))
		}
	}
	return trace.NewAggregate(errors...)
}

func (f *fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	children := make([]slog.Handler, 0, len(f.handlers))
	for _, h := range f.handlers {
		children = append(children, h.WithAttrs(attrs))
	}
	return newFanout(children...)
}

func (f *fanout) WithGroup(name string) slog.Handler {
	children := make([]slog.Handler, 0, len(f.handlers))
	for _, h := range f.handlers {
		children = append(children, h.WithGroup(name))
	}
	return newFanout(children...)
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, trace.BadParameter("unsupported log level %q", s)
}
