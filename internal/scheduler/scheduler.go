package scheduler

import (
	"context"
	"log"
	"sync"

	"github.com/robfig/cron/v3"

	"fieldline/internal/engine"
)

// Scheduler fires the auto-run trigger on a cron schedule. The engine's
// single-flight run lock already prevents overlapping work; the inflight
// flag just keeps a slow tick from stacking goroutines behind it.
type Scheduler struct {
	cron     *cron.Cron
	engine   *engine.Engine
	mu       sync.Mutex
	inflight bool
}

func New(eng *engine.Engine) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		engine: eng,
	}
}

// Register installs the auto-run job. An empty spec registers nothing.
func (s *Scheduler) Register(spec string) error {
	if spec == "" {
		return nil
	}
	_, err := s.cron.AddFunc(spec, s.tick)
	return err
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	if s.inflight {
		s.mu.Unlock()
		return
	}
	s.inflight = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inflight = false
		s.mu.Unlock()
	}()

	dec, err := s.engine.AutoRun(context.Background(), "scheduler")
	if err != nil {
		log.Printf("auto-run failed: %v", err)
		return
	}
	if dec.Triggered {
		log.Printf("auto-run triggered: %d pending activities", dec.Pending)
	}
}
