package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler 定时触发周期，启动时立即执行一次
type Scheduler struct {
	coord    *Coordinator
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewScheduler 创建调度器
func NewScheduler(coord *Coordinator, interval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{coord: coord, interval: interval, logger: logger}
}

// Start 启动调度循环
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Info("Scheduler already running, skipping start")
		return nil
	}
	if s.interval <= 0 {
		s.mu.Unlock()
		return errors.New("cycle interval must be positive")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.stopCh = make(chan struct{})
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop()

	s.logger.Info("Scheduler started", zap.Duration("interval", s.interval))
	return nil
}

// Stop 停止调度，等待进行中的周期结束或放弃
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("Stopping scheduler")
	close(s.stopCh)
	s.cancel()
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// Trigger 立即异步执行一个周期；已有周期在执行时返回 ErrCycleRunning
func (s *Scheduler) Trigger() error {
	s.mu.Lock()
	ctx, running := s.ctx, s.running
	s.mu.Unlock()
	if !running {
		return errors.New("scheduler is not running")
	}
	if !s.coord.begin() {
		return ErrCycleRunning
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(ctx)
	}()
	return nil
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	s.runOnce()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runOnce()
		}
	}
}

func (s *Scheduler) runOnce() {
	if !s.coord.begin() {
		s.logger.Info("Previous cycle still running, skipping tick")
		return
	}
	s.execute(s.ctx)
}

// execute 调用前须已 begin
func (s *Scheduler) execute(ctx context.Context) {
	rep, err := s.coord.run(ctx)
	s.coord.end(rep)
	if err != nil {
		s.logger.Error("Pipeline cycle failed", zap.Error(err))
	}
}

// LastReport 最近一次完成的周期报告
func (s *Scheduler) LastReport() *Report {
	return s.coord.LastReport()
}
