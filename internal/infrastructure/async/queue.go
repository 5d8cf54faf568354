package async

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrQueueClosed = errors.New("任务队列已关闭")

// Task 后台任务
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Queue 有界后台任务队列
//
// 扣费后的渠道流水记录、后台充值都走这里：
// Submit 从不阻塞调用方，队列满时丢弃并记录错误（低余额扫描任务会补偿漏掉的充值）。
// 任务失败只记日志，不重试，不影响已提交的请求结果。
type Queue struct {
	tasks   chan Task
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewQueue(size, workers int, timeout time.Duration, logger *zap.Logger) *Queue {
	q := &Queue{
		tasks:   make(chan Task, size),
		timeout: timeout,
		logger:  logger.Named("async"),
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Submit 投递任务，队列满或已关闭时返回 false
func (q *Queue) Submit(task Task) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.logger.Error("任务队列已关闭，丢弃任务", zap.String("task", task.Name))
		return false
	}

	select {
	case q.tasks <- task:
		return true
	default:
		q.logger.Error("任务队列已满，丢弃任务", zap.String("task", task.Name))
		return false
	}
}

// Close 停止接收新任务并等待已排队任务执行完
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for task := range q.tasks {
		q.run(task)
	}
}

func (q *Queue) run(task Task) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("后台任务 panic", zap.String("task", task.Name), zap.Any("panic", r))
		}
	}()

	start := time.Now()
	if err := task.Run(ctx); err != nil {
		q.logger.Warn("后台任务失败",
			zap.String("task", task.Name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return
	}
	q.logger.Debug("后台任务完成", zap.String("task", task.Name), zap.Duration("elapsed", time.Since(start)))
}
