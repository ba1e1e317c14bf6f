package syncer

import (
	"context"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// QueueSize bounds both the pending queue and a single drained batch.
const QueueSize = 1024

// Cycle is one upload+promote+gc round driven by the Committer.
type Cycle interface {
	NextGeneration() string
	Upload(ctx context.Context, generation string) error
	CollectGarbage(ctx context.Context, generation string) error
}

// WorkItem is a queued filesystem operation.
type WorkItem struct {
	Label     string
	Commit    bool
	Operation func() syscall.Errno

	result chan syscall.Errno
}

// Committer is the single writer of the cache directory for committing
// operations. Run executes queued operations in arrival order and runs one
// Cycle per drained batch; every committing caller in the batch receives the
// cycle's outcome.
type Committer struct {
	cycle   Cycle
	timeout time.Duration
	log     *zap.SugaredLogger

	queue chan *WorkItem
	done  chan struct{}
}

func NewCommitter(cycle Cycle, timeout time.Duration, log *zap.SugaredLogger) *Committer {
	return &Committer{
		cycle:   cycle,
		timeout: timeout,
		log:     log,
		queue:   make(chan *WorkItem, QueueSize),
		done:    make(chan struct{}),
	}
}

// Submit queues operation and blocks until its result is known: the
// operation's own errno if it failed or does not commit, otherwise the
// outcome of the cycle that committed it. After the loop has exited Submit
// returns ESHUTDOWN.
func (c *Committer) Submit(label string, commit bool, operation func() syscall.Errno) syscall.Errno {
	item := &WorkItem{
		Label:     label,
		Commit:    commit,
		Operation: operation,
		result:    make(chan syscall.Errno, 1),
	}

	select {
	case c.queue <- item:
	case <-c.done:
		return syscall.ESHUTDOWN
	}
	c.log.Debugw("operation", "label", label, "status", "queued")

	var result syscall.Errno
	select {
	case result = <-item.result:
	case <-c.done:
		select {
		case result = <-item.result:
		default:
			result = syscall.ESHUTDOWN
		}
	}

	c.log.Debugw("operation", "label", label, "status", "result", "errno", result)
	return result
}

// Done is closed once Run has returned.
func (c *Committer) Done() <-chan struct{} {
	return c.done
}

// Run serves the queue until ctx is cancelled. A cycle already in flight
// finishes first; items still queued are answered with ESHUTDOWN.
func (c *Committer) Run(ctx context.Context) {
	defer close(c.done)
	defer c.drain()

	for {
		if ctx.Err() != nil {
			c.log.Debugw("committer", "status", "terminate received")
			return
		}

		var batch []*WorkItem
		select {
		case <-ctx.Done():
			c.log.Debugw("committer", "status", "terminate received")
			return
		case item := <-c.queue:
			batch = c.run(item, batch)
		}

		batch = c.collect(batch)
		if len(batch) == 0 {
			continue
		}

		c.commit(ctx, batch)
	}
}

// collect drains what is already queued without waiting for more.
func (c *Committer) collect(batch []*WorkItem) []*WorkItem {
	for n := 1; n < QueueSize; n++ {
		select {
		case item := <-c.queue:
			batch = c.run(item, batch)
		default:
			return batch
		}
	}

	return batch
}

func (c *Committer) run(item *WorkItem, batch []*WorkItem) []*WorkItem {
	c.log.Debugw("operation", "label", item.Label, "status", "running")

	errno := c.invoke(item)
	if errno != 0 || !item.Commit {
		item.result <- errno
		return batch
	}

	return append(batch, item)
}

func (c *Committer) invoke(item *WorkItem) (errno syscall.Errno) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorw("operation", "label", item.Label, "status", "panic", "panic", r)
			errno = syscall.EIO
		}
	}()

	return item.Operation()
}

func (c *Committer) commit(ctx context.Context, batch []*WorkItem) {
	// shutdown must not truncate an upload in flight
	cycleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	generation := c.cycle.NextGeneration()
	log := c.log.With("cycle", uuid.New().String(), "generation", generation)
	log.Debugw("cycle", "status", "started", "operations", len(batch))

	err := c.cycle.Upload(cycleCtx, generation)
	if err != nil {
		log.Errorw("cycle", "status", "upload failed", "error", err)
	}

	errno := Errno(err)
	for _, item := range batch {
		item.result <- errno
	}

	if err != nil {
		return
	}

	if err := c.cycle.CollectGarbage(cycleCtx, generation); err != nil {
		log.Warnw("cycle", "status", "garbage collection incomplete", "error", err)
	}
}

func (c *Committer) drain() {
	for {
		select {
		case item := <-c.queue:
			c.log.Debugw("operation", "label", item.Label, "status", "dropped on shutdown")
			item.result <- syscall.ESHUTDOWN
		default:
			return
		}
	}
}
