package api

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"crm-board/domain"
)

// PoolConfig sizes the in-process change executor.
type PoolConfig struct {
	Workers        int
	Buffer         int
	Timeout        time.Duration
	HandoffTimeout time.Duration
}

type changeJob struct {
	env domain.ChangeEnvelope
	key string // idempotency key to release when the change is rolled back
}

var (
	errPoolStopped   = errors.New("change pool not running")
	errPoolSaturated = errors.New("change pool saturated")
)

// Each worker owns one lane and every change of a task goes to the same
// lane, so drops of one task run in the order they were accepted.
var (
	once           sync.Once
	lanesMu        sync.RWMutex
	lanes          []chan changeJob
	laneBuf        int
	changeTimeout  time.Duration
	handoffTimeout time.Duration
	bg             = context.Background()
	globalBoard    BoardService
	globalDeduper  Deduper
	globalLog      *log.Logger
	workerWG       sync.WaitGroup
)

// shutdownChangeSender closes the lanes, waits for queued changes to finish
// and clears shared state. It is intended for tests.
func shutdownChangeSender() {
	lanesMu.Lock()
	for _, lane := range lanes {
		close(lane)
	}
	lanes = nil
	lanesMu.Unlock()

	workerWG.Wait()

	globalBoard = nil
	globalDeduper = nil
	globalLog = nil
	laneBuf = 0
	changeTimeout = 0
	handoffTimeout = 0
	once = sync.Once{}
	workerWG = sync.WaitGroup{}
}

func initChangeSender(board BoardService, deduper Deduper, cfg PoolConfig, logger *log.Logger) {
	once.Do(func() {
		if logger == nil {
			panic("Logger is not initialized")
		}
		globalBoard = board
		globalDeduper = deduper
		globalLog = logger

		workers := orDefault(cfg.Workers, 8)
		laneBuf = max(orDefault(cfg.Buffer, 1024)/workers, 1)
		changeTimeout = cfg.Timeout
		if changeTimeout <= 0 {
			changeTimeout = 30 * time.Second
		}
		handoffTimeout = cfg.HandoffTimeout

		started := make([]chan changeJob, workers)
		for i := range started {
			started[i] = make(chan changeJob, laneBuf)
			workerWG.Add(1)
			go worker(i, started[i])
		}
		lanesMu.Lock()
		lanes = started
		lanesMu.Unlock()
		globalLog.WithFields(log.Fields{
			"workers":  workers,
			"lane_buf": laneBuf,
			"timeout":  changeTimeout,
			"handoff":  handoffTimeout,
		}).Info("change pool started")
	})
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// laneFor maps a task to one of n lanes.
func laneFor(taskID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(taskID))
	return int(h.Sum32() % uint32(n))
}

func worker(id int, lane <-chan changeJob) {
	defer workerWG.Done()
	for j := range lane {
		runChange(j, id)
	}
}

// runChange executes a change against the data source. A failed change is
// already rolled back by the board service, so only the idempotency key is
// released here to let the client retry.
func runChange(j changeJob, workerID int) {
	ctx, cancel := context.WithTimeout(bg, changeTimeout)
	err := globalBoard.Execute(ctx, j.env)
	cancel()
	if err == nil {
		return
	}
	releaseKey(j.env.UserID, j.key)
	globalLog.WithFields(log.Fields{
		"change": j.env.ID,
		"task":   j.env.Change.TaskID,
		"worker": workerID,
	}).WithError(err).Error("change failed")
}

func releaseKey(userID, key string) {
	if key == "" || globalDeduper == nil {
		return
	}
	if err := globalDeduper.Remove(bg, userID, key); err != nil && globalLog != nil {
		globalLog.WithFields(log.Fields{"user": userID, "key": key}).WithError(err).Error("dedupe rollback failed")
	}
}

// submitChange queues job on the lane of its task. When the lane is full it
// waits up to the handoff timeout, or until ctx is done, for room.
func submitChange(ctx context.Context, job changeJob) error {
	lanesMu.RLock()
	defer lanesMu.RUnlock()
	if len(lanes) == 0 {
		return errPoolStopped
	}
	lane := lanes[laneFor(job.env.Change.TaskID, len(lanes))]

	select {
	case lane <- job:
		return nil
	default:
	}
	if handoffTimeout <= 0 {
		return errPoolSaturated
	}

	timer := time.NewTimer(handoffTimeout)
	defer timer.Stop()
	select {
	case lane <- job:
		return nil
	case <-timer.C:
		return errPoolSaturated
	case <-ctx.Done():
		return ctx.Err()
	}
}
