// Package stats samples the active session's VPN byte counters and keeps
// a short rate history for display.
package stats

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/rjeffmyers/vpnrdp/common"
	"github.com/rjeffmyers/vpnrdp/orchestrator"
	"github.com/rjeffmyers/vpnrdp/vpn"
)

// Source exposes the active session and its counters.
// *orchestrator.Orchestrator implements it.
type Source interface {
	Active() (orchestrator.Info, bool)
	Traffic(ctx context.Context) (vpn.Traffic, error)
}

// Sink persists samples.
type Sink interface {
	RecordSample(sessionID string, s Sample) error
}

// Sample is one reading of the counters plus the rates since the
// previous reading, in bytes per second.
type Sample struct {
	At       time.Time `json:"at"`
	BytesIn  uint64    `json:"bytes_in"`
	BytesOut uint64    `json:"bytes_out"`
	RateIn   float64   `json:"rate_in"`
	RateOut  float64   `json:"rate_out"`
}

// Sampler reads traffic counters on a fixed interval.
type Sampler struct {
	source   Source
	sink     Sink
	interval time.Duration
	capacity int

	scheduler gocron.Scheduler
	running   bool

	mu      sync.Mutex
	session string
	points  []Sample
}

// NewSampler creates a sampler keeping up to points samples. sink may
// be nil.
func NewSampler(source Source, sink Sink, interval time.Duration, points int) (*Sampler, error) {
	if interval <= 0 {
		interval = common.TrafficSampleInterval
	}
	if points <= 0 {
		points = common.TrafficHistoryPoints
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return &Sampler{
		source:    source,
		sink:      sink,
		interval:  interval,
		capacity:  points,
		scheduler: scheduler,
	}, nil
}

// Start begins periodic sampling.
func (s *Sampler) Start(ctx context.Context) error {
	if s.running {
		return fmt.Errorf("sampler is already running")
	}

	_, err := s.scheduler.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			s.Tick(ctx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to create sampling job: %w", err)
	}

	s.scheduler.Start()
	s.running = true
	return nil
}

// Stop ends sampling.
func (s *Sampler) Stop() error {
	if !s.running {
		return nil
	}
	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to stop scheduler: %w", err)
	}
	s.running = false
	return nil
}

// Tick takes one sample. History resets when the active session changes.
func (s *Sampler) Tick(ctx context.Context) {
	info, ok := s.source.Active()
	if !ok || (info.State != orchestrator.StateConnected && info.State != orchestrator.StateVPNUp &&
		info.State != orchestrator.StateConnectingRDP) {
		s.reset("")
		return
	}

	tr, err := s.source.Traffic(ctx)
	if err != nil {
		common.LogDebug("Stats: reading traffic of %s: %v", info.ID, err)
		return
	}

	sample := s.add(info.ID, tr, time.Now())
	if s.sink != nil {
		if err := s.sink.RecordSample(info.ID, sample); err != nil {
			common.LogWarn("Stats: could not persist sample: %v", err)
		}
	}
}

func (s *Sampler) reset(session string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != session {
		s.session = session
		s.points = nil
	}
}

func (s *Sampler) add(session string, tr vpn.Traffic, at time.Time) Sample {
	s.reset(session)

	s.mu.Lock()
	defer s.mu.Unlock()

	sample := Sample{At: at, BytesIn: tr.BytesIn, BytesOut: tr.BytesOut}
	if n := len(s.points); n > 0 {
		prev := s.points[n-1]
		if dt := at.Sub(prev.At).Seconds(); dt > 0 {
			sample.RateIn = rate(prev.BytesIn, tr.BytesIn, dt)
			sample.RateOut = rate(prev.BytesOut, tr.BytesOut, dt)
		}
	}

	s.points = append(s.points, sample)
	if over := len(s.points) - s.capacity; over > 0 {
		s.points = append([]Sample(nil), s.points[over:]...)
	}
	return sample
}

// rate returns the per-second increase. A counter that went backwards
// was reset and yields zero.
func rate(prev, cur uint64, seconds float64) float64 {
	if cur < prev {
		return 0
	}
	return float64(cur-prev) / seconds
}

// History returns the retained samples, oldest first.
func (s *Sampler) History() []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sample(nil), s.points...)
}

// Latest returns the newest sample.
func (s *Sampler) Latest() (Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.points) == 0 {
		return Sample{}, false
	}
	return s.points[len(s.points)-1], true
}
