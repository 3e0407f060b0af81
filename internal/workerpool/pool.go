package workerpool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Task 定义任务函数类型
type Task func(ctx context.Context)

// Pool 有界 Worker Pool
// 用于把写库等慢操作移出房间事件循环
type Pool struct {
	name      string
	workers   int
	taskQueue chan Task
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	logger    *slog.Logger

	closeOnce sync.Once
	mu        sync.RWMutex // 保护 taskQueue 关闭与提交之间的竞争
	closed    bool

	completed atomic.Int64
	rejected  atomic.Int64
	panics    atomic.Int64
}

// Stats 运行统计
type Stats struct {
	Name      string `json:"name"`
	Workers   int    `json:"workers"`
	Queued    int    `json:"queued"`
	Completed int64  `json:"completed"`
	Rejected  int64  `json:"rejected"`
	Panics    int64  `json:"panics"`
}

// New 创建一个新的 Worker Pool
// workers: worker 数量
// queueSize: 任务队列大小
func New(name string, workers, queueSize int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	pool := &Pool{
		name:      name,
		workers:   workers,
		taskQueue: make(chan Task, queueSize),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With("component", "workerpool", "pool", name),
	}

	for i := 0; i < workers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	pool.logger.Info("Worker pool started",
		"workers", workers,
		"queue_size", queueSize)

	return pool
}

// worker 工作协程，队列关闭后把剩余任务执行完再退出
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for task := range p.taskQueue {
		p.run(id, task)
	}
}

// run 执行任务，捕获 panic
func (p *Pool) run(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.Error("Task panic recovered",
				"worker_id", id,
				"panic", r)
		}
	}()
	task(p.ctx)
	p.completed.Add(1)
}

// Submit 提交任务
// 如果队列满了，会阻塞直到有空位或 ctx 被取消
func (p *Pool) Submit(ctx context.Context, task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.rejected.Add(1)
		return false
	}

	select {
	case p.taskQueue <- task:
		return true
	case <-ctx.Done():
		p.rejected.Add(1)
		return false
	case <-p.ctx.Done():
		p.rejected.Add(1)
		return false
	}
}

// TrySubmit 尝试提交任务，如果队列满了立即返回 false
func (p *Pool) TrySubmit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.rejected.Add(1)
		return false
	}

	select {
	case p.taskQueue <- task:
		return true
	default:
		p.rejected.Add(1)
		return false
	}
}

// Stats 返回运行统计
func (p *Pool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Workers:   p.workers,
		Queued:    len(p.taskQueue),
		Completed: p.completed.Load(),
		Rejected:  p.rejected.Load(),
		Panics:    p.panics.Load(),
	}
}

// Shutdown 优雅关闭 Worker Pool
// 不再接收新任务，等待已入队的任务完成；ctx 到期后取消正在执行的任务
func (p *Pool) Shutdown(ctx context.Context) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.taskQueue)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			p.cancel()
			<-done
		}
		p.cancel()
		p.logger.Info("Worker pool shutdown completed", "completed", p.completed.Load())
	})
}
