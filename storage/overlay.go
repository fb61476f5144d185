package storage

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"crm-board/domain"
)

const (
	overlayKey   = "board:overlay"
	claimsPrefix = "board:claims:"
)

// releaseScript removes an overlay entry only when it still belongs to the
// given change, so a late failure cannot undo a newer move of the same task.
var releaseScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if not cur then
  return 0
end
local id = string.match(cur, '^([^\n]*)')
if id ~= ARGV[2] then
  return 0
end
return redis.call('HDEL', KEYS[1], ARGV[1])
`)

// claimScript stores ARGV[1] as the latest timestamp of a task unless a
// later one is stored. Timestamps are compared as decimal strings since
// nanosecond values exceed Lua's exact number range.
var claimScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
local ts = ARGV[1]
if cur then
  if #cur > #ts or (#cur == #ts and cur > ts) then
    return 0
  end
end
if tonumber(ARGV[2]) > 0 then
  redis.call('SET', KEYS[1], ts, 'PX', ARGV[2])
else
  redis.call('SET', KEYS[1], ts)
end
return 1
`)

// Overlay holds stage changes that are shown on the board but not yet
// confirmed by the data source.
type Overlay struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewOverlay creates an overlay whose entries expire after ttl so a lost
// confirmation cannot pin a task forever.
func NewOverlay(client *redis.Client, ttl time.Duration) *Overlay {
	return &Overlay{redis: client, ttl: ttl}
}

// Put records env as the pending stage of its task.
func (o *Overlay) Put(ctx context.Context, env domain.ChangeEnvelope) error {
	_, err := o.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, overlayKey, env.Change.TaskID, encodeOverlayEntry(env.ID, env.Change.To))
		if o.ttl > 0 {
			pipe.Expire(ctx, overlayKey, o.ttl)
		}
		return nil
	})
	return err
}

// Release drops the pending entry of env. It reports whether the entry was
// still owned by env.
func (o *Overlay) Release(ctx context.Context, env domain.ChangeEnvelope) (bool, error) {
	n, err := releaseScript.Run(ctx, o.redis, []string{overlayKey}, env.Change.TaskID, env.ID).Int()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Claim records env as the latest executed change of its task. It reports
// false when a change with a later timestamp was claimed before. Claims
// expire with the overlay ttl.
func (o *Overlay) Claim(ctx context.Context, env domain.ChangeEnvelope) (bool, error) {
	ts := strconv.FormatInt(env.Timestamp, 10)
	n, err := claimScript.Run(ctx, o.redis, []string{claimsPrefix + env.Change.TaskID}, ts, o.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Patch returns tasks with pending stages applied.
func (o *Overlay) Patch(ctx context.Context, tasks []domain.Task) ([]domain.Task, error) {
	pending, err := o.redis.HGetAll(ctx, overlayKey).Result()
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return tasks, nil
	}
	out := make([]domain.Task, len(tasks))
	copy(out, tasks)
	for i := range out {
		raw, ok := pending[string(out[i].ID)]
		if !ok {
			continue
		}
		_, stage, ok := decodeOverlayEntry(raw)
		if !ok {
			continue
		}
		out[i].StageID = stage
	}
	return out, nil
}

func encodeOverlayEntry(changeID string, stage *domain.StageRef) string {
	if stage == nil {
		return changeID + "\n-"
	}
	return changeID + "\n=" + string(*stage)
}

func decodeOverlayEntry(raw string) (string, *domain.StageRef, bool) {
	changeID, rest, ok := strings.Cut(raw, "\n")
	if !ok || rest == "" {
		return "", nil, false
	}
	switch rest[0] {
	case '-':
		return changeID, nil, true
	case '=':
		return changeID, domain.NewStageRef(rest[1:]), true
	default:
		return "", nil, false
	}
}
