package snapshot

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"
)

// Scheduler pushes snapshots on a cron schedule.
type Scheduler struct {
	cron   *cron.Cron
	rep    *Replicator
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler accepts standard five-field cron specs and descriptors such
// as "@hourly" or "@every 30m".
func NewScheduler(spec string, rep *Replicator) (*Scheduler, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:   cron.New(),
		rep:    rep,
		ctx:    ctx,
		cancel: cancel,
	}
	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid snapshot.schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins firing in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Info("Snapshot scheduler started", "backend", s.rep.mirror.Name())
}

// Stop cancels an in-flight push and waits for it to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

func (s *Scheduler) run() {
	res, err := s.rep.Push(s.ctx)
	if err != nil {
		log.Error("Scheduled snapshot failed", "error", err)
		return
	}
	if res.Skipped {
		log.Debug("Scheduled snapshot skipped, nothing changed")
	}
}
