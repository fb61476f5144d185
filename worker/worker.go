package worker

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"crm-board/domain"
	"crm-board/storage"
)

// Queue is the source of stage changes begun by the API.
type Queue interface {
	Receive(ctx context.Context, max int32, visibility time.Duration) ([]storage.QueuedChange, error)
	Delete(ctx context.Context, qc storage.QueuedChange) error
}

// Executor writes changes to the data source.
type Executor interface {
	Execute(ctx context.Context, env domain.ChangeEnvelope) error
	Rollback(ctx context.Context, env domain.ChangeEnvelope, cause error) error
}

// Options tune the polling loop. Zero values fall back to defaults.
type Options struct {
	PollInterval  time.Duration
	Visibility    time.Duration
	ChangeTimeout time.Duration
	BatchSize     int32
	Concurrency   int
	MaxDequeue    int64
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Visibility <= 0 {
		o.Visibility = time.Minute
	}
	if o.ChangeTimeout <= 0 {
		o.ChangeTimeout = 30 * time.Second
	}
	if o.BatchSize <= 0 || o.BatchSize > 32 {
		o.BatchSize = 16
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
	if o.MaxDequeue <= 0 {
		o.MaxDequeue = 5
	}
	return o
}

var errTooManyAttempts = errors.New("change dequeued too many times")

// Worker executes queued stage changes.
type Worker struct {
	queue Queue
	exec  Executor
	opts  Options
}

func New(queue Queue, exec Executor, opts Options) *Worker {
	return &Worker{queue: queue, exec: exec, opts: opts.withDefaults()}
}

// Run polls the queue until ctx is done. The queue is polled again right
// away while it keeps returning changes.
func (w *Worker) Run(ctx context.Context) error {
	log.WithFields(log.Fields{
		"batch":       w.opts.BatchSize,
		"concurrency": w.opts.Concurrency,
		"poll":        w.opts.PollInterval,
	}).Info("change worker started")
	for {
		n, err := w.Poll(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			log.WithError(err).Error("receive changes")
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.opts.PollInterval):
		}
	}
}

// Poll receives one batch of changes and handles it. It returns the number
// of changes received. Changes of one task run one after another in
// timestamp order; different tasks run concurrently.
func (w *Worker) Poll(ctx context.Context) (int, error) {
	batch, err := w.queue.Receive(ctx, w.opts.BatchSize, w.opts.Visibility)
	if len(batch) == 0 {
		return 0, err
	}
	g := new(errgroup.Group)
	g.SetLimit(w.opts.Concurrency)
	for _, group := range byTask(batch) {
		g.Go(func() error {
			for _, qc := range group {
				w.handle(ctx, qc)
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(batch), err
}

// byTask splits a batch into per-task groups, each sorted by timestamp.
// Groups keep the order in which their task first appears.
func byTask(batch []storage.QueuedChange) [][]storage.QueuedChange {
	index := make(map[string]int, len(batch))
	var groups [][]storage.QueuedChange
	for _, qc := range batch {
		task := qc.Envelope.Change.TaskID
		i, ok := index[task]
		if !ok {
			i = len(groups)
			index[task] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], qc)
	}
	for _, group := range groups {
		slices.SortStableFunc(group, func(a, b storage.QueuedChange) int {
			return cmp.Compare(a.Envelope.Timestamp, b.Envelope.Timestamp)
		})
	}
	return groups
}

// handle runs a single change and removes it from the queue. A failed
// change is rolled back by the executor and not retried; a change whose
// previous attempts never completed is rolled back without executing.
func (w *Worker) handle(ctx context.Context, qc storage.QueuedChange) {
	env := qc.Envelope
	fields := log.Fields{"change": env.ID, "task": env.Change.TaskID, "dequeue_count": qc.DequeueCount}

	cctx, cancel := context.WithTimeout(ctx, w.opts.ChangeTimeout)
	var err error
	if qc.DequeueCount > w.opts.MaxDequeue {
		err = w.exec.Rollback(cctx, env, fmt.Errorf("%w (%d)", errTooManyAttempts, qc.DequeueCount))
	} else {
		err = w.exec.Execute(cctx, env)
	}
	cancel()
	if err != nil {
		log.WithFields(fields).WithError(err).Error("change rolled back")
	} else {
		log.WithFields(fields).Debug("change applied")
	}

	if ctx.Err() != nil {
		// leave the message for redelivery after its visibility timeout
		return
	}
	if derr := w.queue.Delete(ctx, qc); derr != nil {
		log.WithFields(fields).WithError(derr).Error("delete change message")
	}
}
