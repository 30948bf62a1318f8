package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/unitask/unitask-backend/internal/distlock"
	"github.com/unitask/unitask-backend/internal/logger"
)

// JobStats — счётчики одной именованной задачи.
type JobStats struct {
	Name         string        `json:"name"`
	Interval     time.Duration `json:"interval"`
	RunCount     int64         `json:"run_count"`
	ErrorCount   int64         `json:"error_count"`
	SkippedCount int64         `json:"skipped_count"`
	LastRun      time.Time     `json:"last_run"`
	LastDuration time.Duration `json:"last_duration"`
}

// Scheduler — внутрипроцессный планировщик именованных задач. Каждая
// задача перед запуском берёт распределённую блокировку, поэтому при
// нескольких репликах тик исполняет ровно одна.
type Scheduler struct {
	cron   *cron.Cron
	locker *distlock.Locker

	mu    sync.Mutex
	stats map[string]*JobStats
}

// New создаёт планировщик.
func New(locker *distlock.Locker) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		locker: locker,
		stats:  make(map[string]*JobStats),
	}
}

// Register добавляет задачу с интервалом и TTL блокировки. TTL должен
// превышать ожидаемое время работы задачи.
func (s *Scheduler) Register(name string, interval, lockTTL time.Duration, fn func(ctx context.Context) error) {
	s.mu.Lock()
	s.stats[name] = &JobStats{Name: name, Interval: interval}
	s.mu.Unlock()

	s.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		s.runJob(name, lockTTL, fn)
	}))
}

// runJob исполняет один тик задачи под блокировкой и пишет счётчики.
func (s *Scheduler) runJob(name string, lockTTL time.Duration, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), lockTTL)
	defer cancel()

	lockKey := "scheduled_task:" + name + ":lock"
	if !s.locker.Acquire(ctx, lockKey, lockTTL) {
		s.mu.Lock()
		s.stats[name].SkippedCount++
		s.mu.Unlock()
		return
	}
	defer s.locker.Release(ctx, lockKey)

	started := time.Now()
	err := fn(ctx)
	elapsed := time.Since(started)

	s.mu.Lock()
	st := s.stats[name]
	st.RunCount++
	st.LastRun = started.UTC()
	st.LastDuration = elapsed
	if err != nil {
		st.ErrorCount++
	}
	s.mu.Unlock()

	entry := logger.Log.WithFields(logrus.Fields{
		"job":      name,
		"duration": elapsed.String(),
	})
	if err != nil {
		entry.WithError(err).Error("фоновая задача завершилась с ошибкой")
		return
	}
	entry.Debug("фоновая задача выполнена")
}

// Start запускает планировщик.
func (s *Scheduler) Start() {
	s.cron.Start()
	logger.Log.WithField("jobs", len(s.stats)).Info("планировщик запущен")
}

// Stop останавливает планировщик и ждёт завершения текущих задач.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	logger.Log.Info("планировщик остановлен")
}

// Stats возвращает снимок счётчиков всех задач.
func (s *Scheduler) Stats() []JobStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStats, 0, len(s.stats))
	for _, st := range s.stats {
		out = append(out, *st)
	}
	return out
}
