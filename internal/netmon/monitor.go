package netmon

import (
	"context"
	"sync"
	"time"

	"github.com/cipherim/cipher/internal/bus"
	"go.uber.org/zap"
)

// Quality classifies the usable link quality.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityPoor      Quality = "poor"
	QualityOffline   Quality = "offline"
)

// State is the monitor's current best-effort estimate of connectivity.
type State struct {
	Online       bool
	Quality      Quality
	RTT          time.Duration
	DownlinkMbps float64
}

// Sample is one raw reachability measurement.
type Sample struct {
	Online       bool
	RTT          time.Duration
	DownlinkMbps float64
}

// Prober produces raw link measurements. The monitor never fails:
// a probe error is treated as offline.
type Prober interface {
	Probe(ctx context.Context) (Sample, error)
}

const defaultInterval = 5 * time.Second

// Monitor periodically re-evaluates reachability and link quality and
// publishes net.changed events on state transitions. It holds no
// persisted state.
type Monitor struct {
	prober   Prober
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration

	mu     sync.RWMutex
	state  State
	cancel context.CancelFunc
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval overrides the re-evaluation interval.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// NewMonitor creates a monitor. Until the first probe completes the
// state defaults to online/good.
func NewMonitor(p Prober, b *bus.Bus, logger *zap.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		prober:   p,
		bus:      b,
		logger:   logger,
		interval: defaultInterval,
		state:    State{Online: true, Quality: QualityGood},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start begins periodic re-evaluation.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go func() {
		m.Refresh(ctx)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Refresh(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the re-evaluation loop.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

// State returns the current connectivity estimate.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Online reports whether the gateway is believed reachable.
func (m *Monitor) Online() bool {
	return m.State().Online
}

// Refresh probes immediately and applies the result.
func (m *Monitor) Refresh(ctx context.Context) {
	sample, err := m.prober.Probe(ctx)
	if err != nil {
		sample = Sample{Online: false}
	}

	next := State{
		Online:       sample.Online,
		Quality:      Classify(sample),
		RTT:          sample.RTT,
		DownlinkMbps: sample.DownlinkMbps,
	}

	m.mu.Lock()
	prev := m.state
	m.state = next
	m.mu.Unlock()

	if prev.Online != next.Online || prev.Quality != next.Quality {
		if m.logger != nil {
			m.logger.Info("connectivity changed",
				zap.Bool("online", next.Online),
				zap.String("quality", string(next.Quality)),
				zap.Duration("rtt", next.RTT))
		}
		if m.bus != nil {
			m.bus.Publish(bus.Event{
				Kind:      bus.KindNetChanged,
				Timestamp: time.Now(),
				Payload:   next,
			})
		}
	}
}

// Classify maps a raw sample to a quality bucket. When a signal is
// unavailable (zero RTT, zero downlink) it is ignored, so a sample with
// no signals at all classifies as good.
func Classify(s Sample) Quality {
	if !s.Online {
		return QualityOffline
	}
	if s.RTT > 500*time.Millisecond || (s.DownlinkMbps > 0 && s.DownlinkMbps < 0.5) {
		return QualityPoor
	}
	if s.RTT > 200*time.Millisecond || (s.DownlinkMbps > 0 && s.DownlinkMbps < 2) {
		return QualityGood
	}
	if s.RTT == 0 && s.DownlinkMbps == 0 {
		return QualityGood
	}
	return QualityExcellent
}
