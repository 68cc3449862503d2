package pool

import (
	"sync"
)

// Serial 单协程串行任务队列
//
// 每个会话持有一个队列，所有代理发布和最终的信箱拆除都经由它执行，
// 保证同一发送方的任务严格按提交顺序执行。Submit 返回任务的完成
// 信号，调用方可以选择等待（如进程关闭时等待拆除完成），也可以
// 不等（断开路径保持非阻塞）。
type Serial struct {
	mu     sync.Mutex
	tasks  chan task
	closed bool
	wg     sync.WaitGroup
}

type task struct {
	fn   func()
	done chan struct{}
}

// NewSerial 创建串行任务队列并启动工作协程
//
// 参数:
//   - queueSize: 任务队列缓冲大小
func NewSerial(queueSize int) *Serial {
	s := &Serial{
		tasks: make(chan task, queueSize),
	}

	s.wg.Add(1)
	go s.run()
	return s
}

// Submit 提交任务
//
// 返回任务完成时关闭的信号通道。队列已关闭时任务被丢弃，
// 返回的通道立即处于已关闭状态。
func (s *Serial) Submit(fn func()) <-chan struct{} {
	done := make(chan struct{})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(done)
		return done
	}
	s.tasks <- task{fn: fn, done: done}
	s.mu.Unlock()

	return done
}

// Close 关闭队列并等待已排队任务执行完毕
func (s *Serial) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.tasks)
	s.mu.Unlock()

	s.wg.Wait()
}

// run 工作协程，按提交顺序执行任务
func (s *Serial) run() {
	defer s.wg.Done()

	for t := range s.tasks {
		t.fn()
		close(t.done)
	}
}
