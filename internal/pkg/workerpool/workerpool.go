package workerpool

import (
	"sync"

	"go.uber.org/zap"

	"github.com/chatpipe/chatpipe/pkg/logger"
)

// Pool is a fixed-size goroutine pool for fire-and-forget work, used to keep
// fan-out dispatch off the request path without unbounded goroutine growth.
type Pool struct {
	jobs chan func()
	size int
	wg   sync.WaitGroup
	quit chan struct{}
	log  *logger.Logger
}

func New(size, queueSize int, log *logger.Logger) *Pool {
	if size <= 0 {
		size = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Pool{
		jobs: make(chan func(), queueSize),
		size: size,
		quit: make(chan struct{}),
		log:  log,
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go func(workerID int) {
			defer p.wg.Done()
			for {
				select {
				case job := <-p.jobs:
					p.run(workerID, job)
				case <-p.quit:
					return
				}
			}
		}(i)
	}
}

// run executes one job, recovering panics so a bad job cannot kill a worker.
func (p *Pool) run(workerID int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("worker recovered from panic", zap.Int("worker", workerID), zap.Any("panic", r))
		}
	}()
	job()
}

// Submit queues a job. Blocks when the queue is full rather than dropping.
func (p *Pool) Submit(job func()) {
	p.jobs <- job
}

// TrySubmit queues a job if there is room and reports whether it was accepted.
func (p *Pool) TrySubmit(job func()) bool {
	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

// Stop signals the workers and waits for them to exit.
func (p *Pool) Stop() {
	close(p.quit)
	p.wg.Wait()
}
