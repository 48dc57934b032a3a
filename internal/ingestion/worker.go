package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/metrics"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	ErrPoolClosed    = errors.New("worker pool is shut down")
	ErrTaskAbandoned = errors.New("task abandoned at pool shutdown")
)

// Task is a unit of work executed by the pool.
type Task interface {
	Run(ctx context.Context) error
}

type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Run(ctx context.Context) error {
	return f(ctx)
}

type handleState int

const (
	handlePending handleState = iota
	handleRunning
	handleDone
)

// Handle is the eventual outcome of a submitted task. It resolves exactly once.
type Handle struct {
	mu    sync.Mutex
	state handleState
	err   error
	done  chan struct{}
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// start moves a pending handle to running. It fails when the handle was
// already resolved, which happens to queued tasks abandoned at shutdown.
func (h *Handle) start() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != handlePending {
		return false
	}
	h.state = handleRunning
	return true
}

func (h *Handle) resolve(err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == handleDone {
		return false
	}
	h.state = handleDone
	h.err = err
	close(h.done)
	return true
}

func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the task error. Only meaningful once Done is closed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

type job struct {
	task   Task
	handle *Handle
}

// Pool runs submitted tasks on a fixed number of workers. Submit blocks while
// the queue is full.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	queue  chan job
	group  *errgroup.Group

	pendingMu sync.Mutex
	pending   map[*Handle]struct{}
}

// NewPool starts size workers. Tasks receive a context derived from ctx that is
// cancelled when a shutdown times out.
func NewPool(ctx context.Context, size, queueSize int) *Pool {
	if size <= 0 {
		size = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}

	poolCtx, cancel := context.WithCancel(ctx)
	p := &Pool{
		ctx:     poolCtx,
		cancel:  cancel,
		queue:   make(chan job, queueSize),
		group:   &errgroup.Group{},
		pending: make(map[*Handle]struct{}),
	}

	for w := 1; w <= size; w++ {
		workerID := w
		p.group.Go(func() error {
			for j := range p.queue {
				p.execute(workerID, j)
			}
			return nil
		})
	}

	return p
}

func (p *Pool) Submit(ctx context.Context, task Task) (*Handle, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, ErrPoolClosed
	}

	h := newHandle()
	p.track(h)

	select {
	case p.queue <- job{task: task, handle: h}:
		return h, nil
	case <-ctx.Done():
		p.untrack(h)
		return nil, ctx.Err()
	}
}

// Shutdown stops accepting tasks and waits for queued and running ones.
// A timeout of 0 waits forever. When the timeout fires every unfinished
// handle resolves with ErrTaskAbandoned and Shutdown returns true.
func (p *Pool) Shutdown(timeout time.Duration) bool {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		_ = p.group.Wait()
		close(finished)
	}()

	if timeout <= 0 {
		<-finished
		p.cancel()
		return false
	}

	select {
	case <-finished:
		p.cancel()
		return false
	case <-time.After(timeout):
		abandoned := p.abandonPending()
		metrics.RecordAbandoned(abandoned)
		p.cancel()
		log.Warnf("Worker pool shutdown timed out after %s, abandoned %d tasks", timeout, abandoned)
		return true
	}
}

// Pending returns the number of submitted tasks that have not resolved yet.
func (p *Pool) Pending() int {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	return len(p.pending)
}

func (p *Pool) execute(workerID int, j job) {
	if !j.handle.start() {
		return
	}
	defer p.untrack(j.handle)

	metrics.TaskStarted()
	defer metrics.TaskFinished()

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("Worker %d: task panicked: %v", workerID, r)
				err = fmt.Errorf("task panicked: %v", r)
			}
		}()
		err = j.task.Run(p.ctx)
	}()

	j.handle.resolve(err)
}

func (p *Pool) abandonPending() int {
	p.pendingMu.Lock()
	handles := make([]*Handle, 0, len(p.pending))
	for h := range p.pending {
		handles = append(handles, h)
	}
	p.pending = make(map[*Handle]struct{})
	p.pendingMu.Unlock()

	abandoned := 0
	for _, h := range handles {
		if h.resolve(ErrTaskAbandoned) {
			abandoned++
		}
	}
	return abandoned
}

func (p *Pool) track(h *Handle) {
	p.pendingMu.Lock()
	p.pending[h] = struct{}{}
	p.pendingMu.Unlock()
}

func (p *Pool) untrack(h *Handle) {
	p.pendingMu.Lock()
	delete(p.pending, h)
	p.pendingMu.Unlock()
}
