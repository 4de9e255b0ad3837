package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is a scheduled unit of work. It must return once ctx is done.
type Job func(ctx context.Context) error

// SchedulerService runs periodic jobs, each bounded by its own timeout.
type SchedulerService struct {
	cron *cron.Cron
	log  *zap.Logger
}

func NewSchedulerService(loc *time.Location, log *zap.Logger) *SchedulerService {
	cronLog := cron.VerbosePrintfLogger(zap.NewStdLog(log.Named("cron")))
	return &SchedulerService{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		log: log,
	}
}

func (s *SchedulerService) Start() {
	s.cron.Start()
}

// Stop waits for running jobs to finish.
func (s *SchedulerService) Stop() {
	<-s.cron.Stop().Done()
}

// ScheduleInterval runs job every interval, rounded down to whole seconds.
// Each run gets a context that expires after timeout; a zero timeout means the
// run is only bounded by interval.
func (s *SchedulerService) ScheduleInterval(name string, interval, timeout time.Duration, job Job) (cron.EntryID, error) {
	if interval < time.Second {
		return 0, fmt.Errorf("schedule %s: interval %s is shorter than a second", name, interval)
	}
	if timeout <= 0 {
		timeout = interval
	}
	spec := fmt.Sprintf("@every %ds", int(interval/time.Second))
	return s.cron.AddFunc(spec, func() { s.run(name, timeout, job) })
}

func (s *SchedulerService) run(name string, timeout time.Duration, job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := job(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("scheduled job", zap.String("job", name), zap.Error(err))
	}
}

// Entries reports how many jobs are registered.
func (s *SchedulerService) Entries() int {
	return len(s.cron.Entries())
}
