// Package screen keeps the live catalog screens served over HTTP, one
// controller per mounted screen, and closes screens left idle.
package screen

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/utafrali/catalog-screen/internal/controller"
)

var (
	// ErrNotFound is returned for unknown or already closed screen ids.
	ErrNotFound = errors.New("screen not found")
	// ErrCapacity is returned by Mount when MaxScreens screens are live.
	ErrCapacity = errors.New("too many open screens")
)

var (
	activeScreens = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "catalog_screens_active",
		Help: "Number of mounted catalog screens",
	})

	evictedScreensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "catalog_screens_evicted_total",
		Help: "Total number of catalog screens closed for inactivity",
	})
)

// Factory builds an unmounted controller for a new screen id. The controller
// must be created with renderer so the registry can signal changes.
type Factory func(id string, renderer controller.Renderer) *controller.Controller

// Config bounds the registry. Zero MaxScreens means unlimited and zero
// IdleTTL disables eviction.
type Config struct {
	MaxScreens int
	IdleTTL    time.Duration
}

type entry struct {
	ctrl     *controller.Controller
	changes  *signal
	lastSeen time.Time
}

// signal is a controller.Renderer that wakes every waiter on each render.
type signal struct {
	mu sync.Mutex
	ch chan struct{}
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

func (s *signal) Render(controller.Snapshot) {
	s.mu.Lock()
	close(s.ch)
	s.ch = make(chan struct{})
	s.mu.Unlock()
}

func (s *signal) next() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Registry maps screen ids to controllers.
type Registry struct {
	mu      sync.Mutex
	screens map[string]*entry
	factory Factory
	cfg     Config
	logger  *slog.Logger
	nowFunc func() time.Time // injectable clock for testing
	newID   func() string

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates a registry. When cfg.IdleTTL is set it starts a
// background sweep that runs every IdleTTL.
func NewRegistry(factory Factory, cfg Config, logger *slog.Logger) *Registry {
	r := &Registry{
		screens: make(map[string]*entry),
		factory: factory,
		cfg:     cfg,
		logger:  logger,
		nowFunc: time.Now,
		newID:   uuid.NewString,
		stop:    make(chan struct{}),
	}
	if cfg.IdleTTL > 0 {
		go r.sweepLoop()
	}
	return r
}

// Mount creates a screen, mounts it with the page query and returns its id.
func (r *Registry) Mount(ctx context.Context, values url.Values) (string, controller.Snapshot, error) {
	r.mu.Lock()
	if r.cfg.MaxScreens > 0 && len(r.screens) >= r.cfg.MaxScreens {
		r.mu.Unlock()
		return "", controller.Snapshot{}, ErrCapacity
	}
	id := r.newID()
	changes := newSignal()
	ctrl := r.factory(id, changes)
	r.screens[id] = &entry{ctrl: ctrl, changes: changes, lastSeen: r.nowFunc()}
	activeScreens.Inc()
	r.mu.Unlock()

	snap, err := ctrl.Mount(ctx, values)
	if err != nil {
		_ = r.Close(id)
		return "", controller.Snapshot{}, err
	}

	r.logger.InfoContext(ctx, "screen opened",
		slog.String("screen_id", id),
		slog.String("query", snap.Query),
	)
	return id, snap, nil
}

// Get returns the controller for id and marks the screen as used.
func (r *Registry) Get(id string) (*controller.Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.screens[id]
	if !ok {
		return nil, ErrNotFound
	}
	e.lastSeen = r.nowFunc()
	return e.ctrl, nil
}

// Changes returns a channel that is closed on the next visible change of the
// screen. Take it before reading the snapshot it is meant to follow.
func (r *Registry) Changes(id string) (<-chan struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.screens[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.changes.next(), nil
}

// Close unmounts the screen and drops it. Outstanding fetches are canceled.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	e, ok := r.screens[id]
	if ok {
		delete(r.screens, id)
		activeScreens.Dec()
	}
	r.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	e.ctrl.Close()
	return nil
}

// Len returns the number of live screens.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.screens)
}

// CloseAll stops the sweep and closes every screen. Used on shutdown.
func (r *Registry) CloseAll() {
	r.stopOnce.Do(func() { close(r.stop) })

	r.mu.Lock()
	screens := r.screens
	r.screens = make(map[string]*entry)
	activeScreens.Sub(float64(len(screens)))
	r.mu.Unlock()

	for _, e := range screens {
		e.ctrl.Close()
	}
	r.logger.Info("all screens closed", slog.Int("count", len(screens)))
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.cfg.IdleTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stop:
			return
		}
	}
}

// sweep closes screens not used within IdleTTL.
func (r *Registry) sweep() {
	now := r.nowFunc()

	r.mu.Lock()
	var idle []*entry
	for id, e := range r.screens {
		if now.Sub(e.lastSeen) > r.cfg.IdleTTL {
			delete(r.screens, id)
			idle = append(idle, e)
		}
	}
	activeScreens.Sub(float64(len(idle)))
	r.mu.Unlock()

	for _, e := range idle {
		e.ctrl.Close()
		evictedScreensTotal.Inc()
	}
	if len(idle) > 0 {
		r.logger.Info("idle screens closed", slog.Int("count", len(idle)))
	}
}
