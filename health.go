package pinsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// HealthMonitorConfig configures the connection health monitor.
type HealthMonitorConfig struct {
	Session SessionProvider
	Status  *StatusTracker

	// ProbeInterval is how often the liveness probe runs. Default 30s.
	ProbeInterval time.Duration

	// ProbeTimeout bounds a single probe; distinct from remote-call
	// timeouts. Default 5s.
	ProbeTimeout time.Duration

	Log *logrus.Entry
}

// HealthMonitor declares the process online or offline. It combines OS-level
// network signals (pushed in by the embedding app) with periodic liveness
// probes against the session provider. A probe failure degrades the state
// but is never fatal; the next tick retries. Nothing blocks on the monitor:
// it only gates whether the offline queue attempts to drain.
type HealthMonitor struct {
	cfg HealthMonitorConfig
	log *logrus.Entry

	mu       sync.Mutex
	network  bool
	online   bool
	onOnline []func()

	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	done    chan struct{}
}

// NewHealthMonitor validates the config and returns a stopped monitor.
func NewHealthMonitor(cfg HealthMonitorConfig) (*HealthMonitor, error) {
	if cfg.Session == nil {
		return nil, fmt.Errorf("Session is required")
	}
	if cfg.Status == nil {
		return nil, fmt.Errorf("Status is required")
	}
	if cfg.ProbeInterval == 0 {
		cfg.ProbeInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &HealthMonitor{
		cfg:     cfg,
		log:     cfg.Log.WithField("component", "health"),
		network: true,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}, nil
}

// OnOnline registers a callback fired on every offline -> online transition.
// Callbacks run on the monitor's goroutine, in registration order.
func (m *HealthMonitor) OnOnline(fn func()) {
	m.mu.Lock()
	m.onOnline = append(m.onOnline, fn)
	m.mu.Unlock()
}

// IsOnline reports the current connectivity verdict.
func (m *HealthMonitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Start runs an immediate probe and begins the periodic probe loop.
func (m *HealthMonitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.probe()
	go m.probeLoop()
}

// Stop halts the probe loop. Safe to call before Start.
func (m *HealthMonitor) Stop() {
	m.cancel()

	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if started {
		<-m.done
	}
}

// SetNetworkAvailable feeds an OS-level online/offline signal. Loss of
// network declares offline immediately; regaining it triggers an immediate
// probe rather than trusting the signal outright.
func (m *HealthMonitor) SetNetworkAvailable(available bool) {
	m.mu.Lock()
	m.network = available
	m.mu.Unlock()

	if !available {
		m.setOnline(false)
		return
	}
	m.probe()
}

func (m *HealthMonitor) probeLoop() {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.probe()
		}
	}
}

// probe performs one liveness check against the session provider.
func (m *HealthMonitor) probe() {
	m.mu.Lock()
	network := m.network
	m.mu.Unlock()

	if !network {
		m.setOnline(false)
		return
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.ProbeTimeout)
	defer cancel()

	user, err := m.cfg.Session.CurrentUser(ctx)
	if err != nil {
		m.log.Debugf("liveness probe failed: %v", err)
		m.setOnline(false)
		return
	}
	if user == nil {
		m.log.Debug("liveness probe: no active session")
		m.setOnline(false)
		return
	}
	if tokenExpired(user.Token, time.Now()) {
		m.log.Debug("liveness probe: session token expired")
		m.setOnline(false)
		return
	}

	m.setOnline(true)
}

// setOnline applies a transition; a false -> true edge fires the recovery
// callbacks (channel replay, queue drain).
func (m *HealthMonitor) setOnline(online bool) {
	m.mu.Lock()
	wasOnline := m.online
	m.online = online
	callbacks := make([]func(), len(m.onOnline))
	copy(callbacks, m.onOnline)
	m.mu.Unlock()

	if m.cfg.Status.SetOnline(online) {
		m.log.Infof("connectivity changed: online=%v", online)
	}

	if online && !wasOnline {
		for _, fn := range callbacks {
			fn()
		}
	}
}
