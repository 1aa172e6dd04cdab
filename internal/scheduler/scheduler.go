// Package scheduler запускает периодические задачи сервиса.
//
// Scheduler создаётся один раз при старте процесса и передаётся тем, кто его
// запускает и останавливает. Каждая задача выполняется сразу после Start и затем
// с собственным интервалом; запуски одной задачи не перекрываются, разные задачи
// работают независимо. Stop перестаёт запускать задачи и ждёт завершения текущих.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/magabrotheeeer/trading-subscriptions/internal/lib/sl"
)

// Job периодическая задача.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler набор задач с общим жизненным циклом.
type Scheduler struct {
	log  *slog.Logger
	jobs []Job

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New создаёт планировщик. Задачи с неположительным интервалом отбрасываются.
func New(log *slog.Logger, jobs ...Job) *Scheduler {
	valid := make([]Job, 0, len(jobs))
	for _, j := range jobs {
		if j.Interval <= 0 || j.Run == nil {
			log.Warn("skipping invalid job", slog.String("job", j.Name), slog.Duration("interval", j.Interval))
			continue
		}
		valid = append(valid, j)
	}
	return &Scheduler{log: log, jobs: valid}
}

// Start запускает все задачи. Повторный вызов до Stop ничего не делает,
// после Stop задачи запускаются заново.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	s.log.Info("scheduler started", slog.Int("jobs", len(s.jobs)))
}

// Stop отменяет будущие запуски и ждёт завершения выполняющихся задач.
// Безопасно вызывать без Start и несколько раз.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	defer s.wg.Done()
	log := s.log.With(slog.String("job", j.Name))

	s.runOnce(ctx, log, j)

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, log, j)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, log *slog.Logger, j Job) {
	if ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked", slog.Any("panic", r))
		}
	}()

	start := time.Now()
	err := j.Run(ctx)
	switch {
	case err == nil:
		log.Debug("job finished", slog.Duration("took", time.Since(start)))
	case errors.Is(err, context.Canceled):
		log.Info("job interrupted by shutdown")
	default:
		log.Error("job failed", sl.Err(err), slog.Duration("took", time.Since(start)))
	}
}
