// Package connwatch tracks whether the planning engine and the media
// servers are reachable. Each Watcher probes one service: first on a
// backoff schedule until it answers, then on a fixed poll interval.
// Transitions are published on the event bus and reported by /healthz.
//
// Per-request retries live in the media server client; this package
// only answers "is it up right now" for operators.
package connwatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/akstspace/media-mgmt-agent/internal/events"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// startupRetries bounds the backoff phase before polling takes over.
const startupRetries = 9

// Schedule controls probe timing.
type Schedule struct {
	// InitialDelay is the first retry delay while the service has never
	// answered (default: 2s).
	InitialDelay time.Duration
	// MaxDelay caps the startup retry delay (default: 60s).
	MaxDelay time.Duration
	// PollInterval is the check interval once startup retries are over
	// (default: 60s).
	PollInterval time.Duration
	// ProbeTimeout bounds each probe (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultSchedule returns the production schedule.
func DefaultSchedule() Schedule {
	return Schedule{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.InitialDelay <= 0 {
		s.InitialDelay = d.InitialDelay
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = d.MaxDelay
	}
	if s.PollInterval <= 0 {
		s.PollInterval = d.PollInterval
	}
	if s.ProbeTimeout <= 0 {
		s.ProbeTimeout = d.ProbeTimeout
	}
	return s
}

// ServiceStatus is the health of one watched service as shown by
// /healthz.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one service.
type Watcher struct {
	name     string
	probe    ProbeFunc
	schedule Schedule
	bus      *events.Bus
	logger   *slog.Logger
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	ready     bool
	lastErr   error
	lastCheck time.Time
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := ServiceStatus{Name: w.name, Ready: w.ready, LastCheck: w.lastCheck}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.schedule.InitialDelay
	b.MaxInterval = w.schedule.MaxDelay
	b.MaxElapsedTime = 0
	startup := backoff.WithMaxRetries(b, startupRetries)
	startup.Reset()

	for attempt := 1; ; attempt++ {
		if w.check(ctx) {
			w.logger.Info("service reachable", "service", w.name, "attempts", attempt)
			break
		}
		delay := startup.NextBackOff()
		if delay == backoff.Stop {
			w.logger.Warn("service still unreachable, switching to polling", "service", w.name, "attempts", attempt)
			break
		}
		if !sleepCtx(ctx, delay) {
			return
		}
	}

	ticker := time.NewTicker(w.schedule.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// check probes once, records the outcome and publishes a transition.
// It reports whether the service is up.
func (w *Watcher) check(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, w.schedule.ProbeTimeout)
	err := w.probe(pctx)
	cancel()
	if ctx.Err() != nil {
		return false
	}

	w.mu.Lock()
	was, first := w.ready, w.lastCheck.IsZero()
	w.ready = err == nil
	w.lastErr = err
	w.lastCheck = w.now()
	w.mu.Unlock()

	switch {
	case err == nil && (!was || first):
		w.bus.Emit(events.SourceHealth, events.KindServiceUp, map[string]any{"service": w.name})
	case err != nil && (was || first):
		w.logger.Warn("service unreachable", "service", w.name, "error", err)
		w.bus.Emit(events.SourceHealth, events.KindServiceDown, map[string]any{
			"service": w.name,
			"error":   err.Error(),
		})
	case err != nil:
		w.logger.Debug("service still unreachable", "service", w.name, "error", err)
	}
	return err == nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager owns the watchers for one process.
type Manager struct {
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	watchers map[string]*Watcher
}

// NewManager creates a Manager. bus may be nil.
func NewManager(bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		bus:      bus,
		logger:   logger.With("component", "connwatch"),
		watchers: make(map[string]*Watcher),
	}
}

// Watch starts a watcher for name. Watching a name twice replaces the
// earlier watcher.
func (m *Manager) Watch(ctx context.Context, name string, probe ProbeFunc, schedule Schedule) *Watcher {
	wctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		name:     name,
		probe:    probe,
		schedule: schedule.withDefaults(),
		bus:      m.bus,
		logger:   m.logger,
		now:      time.Now,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	m.mu.Lock()
	old := m.watchers[name]
	m.watchers[name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(wctx)
	return w
}

// Status returns every watched service sorted by name.
func (m *Manager) Status() []ServiceStatus {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	out := make([]ServiceStatus, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Healthy reports whether every watched service is ready.
func (m *Manager) Healthy() bool {
	for _, s := range m.Status() {
		if !s.Ready {
			return false
		}
	}
	return true
}

// Stop shuts down all watchers.
func (m *Manager) Stop() {
	m.mu.Lock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.watchers = make(map[string]*Watcher)
	m.mu.Unlock()
	for _, w := range watchers {
		w.Stop()
	}
}

// HTTPProbe returns a probe that GETs url and expects a 2xx answer.
// Radarr and Sonarr serve an unauthenticated /ping for this.
func HTTPProbe(client *http.Client, url string) ProbeFunc {
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("%s answered %d", url, resp.StatusCode)
		}
		return nil
	}
}
