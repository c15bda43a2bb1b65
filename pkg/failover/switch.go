package failover

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type State int

const (
	StatePrimary State = iota
	StateFallback
)

func (s State) String() string {
	switch s {
	case StatePrimary:
		return "primary"
	case StateFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

type Config struct {
	// PrimaryLabel and FallbackLabel rename the two states in logs and status output.
	PrimaryLabel  string
	FallbackLabel string
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	OnStateChange func(name string, from State, to State)
	Logger        *zap.Logger
}

type Status struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Since       time.Time `json:"since"`
	LastProbe   time.Time `json:"last_probe,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	Transitions uint64    `json:"transitions"`
}

// Switch tracks whether a store is served by its primary backend or by its fallback.
// Callers read State once per request; transitions never interrupt work already started.
type Switch struct {
	name          string
	primaryLabel  string
	fallbackLabel string
	probeInterval time.Duration
	probeTimeout  time.Duration
	onStateChange func(name string, from State, to State)
	logger        *zap.Logger

	mu          sync.RWMutex
	state       State
	since       time.Time
	lastProbe   time.Time
	lastErr     error
	transitions uint64
}

func New(name string, cfg Config) *Switch {
	s := &Switch{
		name:          name,
		primaryLabel:  cfg.PrimaryLabel,
		fallbackLabel: cfg.FallbackLabel,
		probeInterval: cfg.ProbeInterval,
		probeTimeout:  cfg.ProbeTimeout,
		onStateChange: cfg.OnStateChange,
		logger:        cfg.Logger,
		state:         StatePrimary,
		since:         time.Now(),
	}

	if s.primaryLabel == "" {
		s.primaryLabel = StatePrimary.String()
	}
	if s.fallbackLabel == "" {
		s.fallbackLabel = StateFallback.String()
	}
	if s.probeInterval == 0 {
		s.probeInterval = 30 * time.Second
	}
	if s.probeTimeout == 0 {
		s.probeTimeout = 5 * time.Second
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}

	return s
}

func (s *Switch) Name() string {
	return s.name
}

func (s *Switch) ProbeInterval() time.Duration {
	return s.probeInterval
}

func (s *Switch) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Switch) Label(state State) string {
	if state == StateFallback {
		return s.fallbackLabel
	}
	return s.primaryLabel
}

// Degrade moves the switch to the fallback state. It reports whether a transition happened.
func (s *Switch) Degrade(cause error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastErr = cause
	return s.setState(StateFallback, cause)
}

// Restore moves the switch back to the primary state. It reports whether a transition happened.
func (s *Switch) Restore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastErr = nil
	return s.setState(StatePrimary, nil)
}

func (s *Switch) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		Name:        s.name,
		State:       s.Label(s.state),
		Since:       s.since,
		LastProbe:   s.lastProbe,
		Transitions: s.transitions,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// Run probes the primary every ProbeInterval until ctx is done.
func (s *Switch) Run(ctx context.Context, probe func(ctx context.Context) error, onRecover func(ctx context.Context) error) {
	ticker := time.NewTicker(s.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ProbeOnce(ctx, probe, onRecover)
		}
	}
}

// ProbeOnce runs a single health probe. A failed probe degrades the switch. A successful
// probe while degraded runs onRecover first and restores only if that succeeds.
func (s *Switch) ProbeOnce(ctx context.Context, probe func(ctx context.Context) error, onRecover func(ctx context.Context) error) State {
	probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	err := probe(probeCtx)
	cancel()

	s.mu.Lock()
	s.lastProbe = time.Now()
	s.mu.Unlock()

	if err != nil {
		s.Degrade(err)
		return StateFallback
	}

	if s.State() == StatePrimary {
		return StatePrimary
	}

	if onRecover != nil {
		if err := onRecover(ctx); err != nil {
			s.logger.Warn("Recovery hook failed, staying on fallback",
				zap.String("name", s.name),
				zap.Error(err),
			)
			s.mu.Lock()
			s.lastErr = err
			s.mu.Unlock()
			return StateFallback
		}
	}

	s.Restore()
	return StatePrimary
}

func (s *Switch) setState(state State, cause error) bool {
	if s.state == state {
		return false
	}

	prev := s.state
	s.state = state
	s.since = time.Now()
	s.transitions++

	if s.onStateChange != nil {
		s.onStateChange(s.name, prev, state)
	}

	fields := []zap.Field{
		zap.String("name", s.name),
		zap.String("from", s.Label(prev)),
		zap.String("to", s.Label(state)),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	s.logger.Warn("Backend state changed", fields...)

	return true
}
