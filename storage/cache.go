package storage

import (
	"context"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"crm-board/domain"
)

type backend interface {
	ListStages(ctx context.Context, titles []string) ([]domain.Stage, error)
	ListTasks(ctx context.Context) ([]domain.Task, error)
	UpdateTaskStage(ctx context.Context, taskID string, stageID *domain.StageRef) error
}

// Cache wraps the board data source with Redis-backed caching for reads and
// keeps the optimistic overlay on top of the cached task list.
type Cache struct {
	base    backend
	redis   *redis.Client
	ttl     time.Duration
	overlay *Overlay
	group   singleflight.Group
}

// NewCache creates a caching wrapper using the provided Redis client and
// TTL. A nil overlay disables optimistic changes.
func NewCache(base backend, client *redis.Client, ttl time.Duration, overlay *Overlay) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl, overlay: overlay}
}

func (c *Cache) ListStages(ctx context.Context, titles []string) ([]domain.Stage, error) {
	key := stagesCacheKey(titles)
	var stages []domain.Stage
	if c.load(ctx, key, &stages) {
		return stages, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		stages, err := c.base.ListStages(ctx, titles)
		if err != nil {
			return nil, err
		}
		c.store(ctx, key, stages)
		return stages, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]domain.Stage), nil
}

// ListTasks returns the task list with pending stage changes applied.
func (c *Cache) ListTasks(ctx context.Context) ([]domain.Task, error) {
	tasks, err := c.listBaseTasks(ctx)
	if err != nil {
		return nil, err
	}
	if c.overlay == nil {
		return tasks, nil
	}
	patched, err := c.overlay.Patch(ctx, tasks)
	if err != nil {
		log.WithError(err).Warn("board overlay unavailable, serving unpatched tasks")
		return tasks, nil
	}
	return patched, nil
}

func (c *Cache) listBaseTasks(ctx context.Context) ([]domain.Task, error) {
	var tasks []domain.Task
	if c.load(ctx, tasksCacheKey, &tasks) {
		return tasks, nil
	}
	v, err, _ := c.group.Do(tasksCacheKey, func() (any, error) {
		gen, genOK := c.tasksGeneration(ctx)
		tasks, err := c.base.ListTasks(ctx)
		if err != nil {
			return nil, err
		}
		if genOK {
			c.storeTasks(ctx, gen, tasks)
		}
		return tasks, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]domain.Task), nil
}

func (c *Cache) UpdateTaskStage(ctx context.Context, taskID string, stageID *domain.StageRef) error {
	if err := c.base.UpdateTaskStage(ctx, taskID, stageID); err != nil {
		return err
	}
	c.evictTasks(ctx)
	return nil
}

// ApplyChange shows env on the board before the data source confirms it.
func (c *Cache) ApplyChange(ctx context.Context, env domain.ChangeEnvelope) error {
	if c.overlay == nil {
		return nil
	}
	return c.overlay.Put(ctx, env)
}

// ConfirmChange drops the pending entry of env once the data source holds
// the new stage. The cached task list is evicted first, and task lists
// fetched before the eviction are never cached, so the board cannot fall
// back to the previous stage.
func (c *Cache) ConfirmChange(ctx context.Context, env domain.ChangeEnvelope) error {
	c.evictTasks(ctx)
	if c.overlay == nil {
		return nil
	}
	_, err := c.overlay.Release(ctx, env)
	return err
}

// ClaimChange orders executions of changes to the same task.
func (c *Cache) ClaimChange(ctx context.Context, env domain.ChangeEnvelope) (bool, error) {
	if c.overlay == nil {
		return true, nil
	}
	return c.overlay.Claim(ctx, env)
}

// RevertChange drops the pending entry of env. The data source still holds
// the previous stage, so the board shows it again.
func (c *Cache) RevertChange(ctx context.Context, env domain.ChangeEnvelope) error {
	if c.overlay == nil {
		return nil
	}
	_, err := c.overlay.Release(ctx, env)
	return err
}

func (c *Cache) load(ctx context.Context, key string, dst any) bool {
	if c.redis == nil {
		return false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, key).Err()
		}
		return false
	}
	if err := sonic.Unmarshal(data, dst); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return false
	}
	return true
}

func (c *Cache) store(ctx context.Context, key string, v any) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(v)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.ttl).Err()
}

// evictTasks drops the cached task list and bumps its generation so fills
// that started earlier do not store their result.
func (c *Cache) evictTasks(ctx context.Context) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, tasksGenKey)
		pipe.Del(ctx, tasksCacheKey)
		return nil
	})
}

func (c *Cache) tasksGeneration(ctx context.Context) (string, bool) {
	if c.redis == nil || c.ttl == 0 {
		return "", false
	}
	gen, err := c.redis.Get(ctx, tasksGenKey).Result()
	switch {
	case err == redis.Nil:
		return "", true
	case err != nil:
		return "", false
	}
	return gen, true
}

// storeTasksScript caches the task list only while the generation still
// matches the one read before the fetch.
var storeTasksScript = redis.NewScript(`
local gen = redis.call('GET', KEYS[2]) or ''
if gen ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

func (c *Cache) storeTasks(ctx context.Context, gen string, tasks []domain.Task) {
	data, err := sonic.Marshal(tasks)
	if err != nil {
		return
	}
	err = storeTasksScript.Run(ctx, c.redis, []string{tasksCacheKey, tasksGenKey}, gen, data, max(c.ttl.Milliseconds(), 1)).Err()
	if err != nil && err != redis.Nil {
		log.WithError(err).Debug("cache task list")
	}
}

const (
	tasksCacheKey = "board:tasks"
	tasksGenKey   = "board:tasks:gen"
)

func stagesCacheKey(titles []string) string {
	return "board:stages:" + strings.Join(titles, "|")
}
