// Package connwatch monitors the reachability of external services
// Ember depends on, such as the Ollama backend and the MQTT broker.
// Each watcher probes its service in the background, backing off while
// the service is unreachable and settling into a slow poll once it
// comes up. The current state of every watcher is available through
// Manager.Status for health reporting.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Probe checks whether a service is reachable. It must respect the
// context deadline and return nil when the service answered.
type Probe func(ctx context.Context) error

// Backoff controls how often a watcher probes its service.
type Backoff struct {
	// Initial is the delay after the first failed probe.
	Initial time.Duration
	// Max caps the delay between failed probes.
	Max time.Duration
	// Factor multiplies the delay after each consecutive failure.
	Factor float64
	// Poll is the steady-state interval once the service is healthy.
	Poll time.Duration
}

// DefaultBackoff returns the backoff used by Ember's built-in watchers:
// retry after 2s, doubling up to a minute, then poll every minute while
// healthy.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial: 2 * time.Second,
		Max:     60 * time.Second,
		Factor:  2,
		Poll:    60 * time.Second,
	}
}

// Status is a snapshot of one watcher's state.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	LastError string    `json:"last_error,omitempty"`
	LastCheck time.Time `json:"last_check"`
	// Since is when the watcher entered its current state.
	Since time.Time `json:"since"`
}

// Config describes a single watched service.
type Config struct {
	Name    string
	Probe   Probe
	Backoff Backoff
	// Timeout bounds each probe call. Defaults to 10s.
	Timeout time.Duration
	// OnUp fires when the service transitions to healthy.
	OnUp func()
	// OnDown fires when the service transitions to unhealthy.
	OnDown func(error)
}

// Manager owns a set of watchers and their goroutines.
type Manager struct {
	logger *slog.Logger

	mu       sync.Mutex
	watchers map[string]*watcher
	wg       sync.WaitGroup
}

func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		logger:   logger,
		watchers: make(map[string]*watcher),
	}
}

// Watch starts a background watcher for the named service. Watching the
// same name twice replaces nothing; the second call is ignored.
func (m *Manager) Watch(ctx context.Context, cfg Config) {
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watchers[cfg.Name]; ok {
		m.logger.Warn("duplicate watcher ignored", "service", cfg.Name)
		return
	}

	w := &watcher{
		cfg:    cfg,
		logger: m.logger.With("service", cfg.Name),
	}
	m.watchers[cfg.Name] = w

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		w.run(ctx)
	}()
}

// Status returns a snapshot of every watcher, sorted by name.
func (m *Manager) Status() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Wait blocks until all watcher goroutines have exited. Callers cancel
// the context passed to Watch first.
func (m *Manager) Wait() {
	m.wg.Wait()
}

type watcher struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	healthy   bool
	everUp    bool
	lastErr   string
	lastCheck time.Time
	since     time.Time
}

func (w *watcher) run(ctx context.Context) {
	delay := w.cfg.Backoff.Initial

	for {
		pctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
		err := w.cfg.Probe(pctx)
		cancel()

		if ctx.Err() != nil {
			return
		}

		if err == nil {
			w.markUp()
			delay = w.cfg.Backoff.Initial
			if !sleepCtx(ctx, w.cfg.Backoff.Poll) {
				return
			}
			continue
		}

		w.markDown(err)
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = time.Duration(float64(delay) * w.cfg.Backoff.Factor)
		if delay > w.cfg.Backoff.Max {
			delay = w.cfg.Backoff.Max
		}
	}
}

func (w *watcher) markUp() {
	w.mu.Lock()
	wasHealthy, everUp := w.healthy, w.everUp
	now := time.Now().UTC()
	w.lastCheck = now
	if !wasHealthy {
		w.since = now
	}
	w.healthy = true
	w.everUp = true
	w.lastErr = ""
	w.mu.Unlock()

	if wasHealthy {
		return
	}
	if everUp {
		w.logger.Info("service reachable again")
	} else {
		w.logger.Info("service reachable")
	}
	if w.cfg.OnUp != nil {
		w.cfg.OnUp()
	}
}

func (w *watcher) markDown(err error) {
	w.mu.Lock()
	wasHealthy := w.healthy
	firstCheck := w.lastCheck.IsZero()
	now := time.Now().UTC()
	w.lastCheck = now
	if wasHealthy || firstCheck {
		w.since = now
	}
	w.healthy = false
	w.lastErr = err.Error()
	w.mu.Unlock()

	if wasHealthy || firstCheck {
		w.logger.Warn("service unreachable", "error", err)
		if w.cfg.OnDown != nil {
			w.cfg.OnDown(err)
		}
	}
}

func (w *watcher) status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		Name:      w.cfg.Name,
		Healthy:   w.healthy,
		LastError: w.lastErr,
		LastCheck: w.lastCheck,
		Since:     w.since,
	}
}

// sleepCtx sleeps for d or until ctx is done, reporting false on
// cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
