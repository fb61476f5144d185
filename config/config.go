package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Dispatch modes for stage changes.
const (
	DispatchInline = "inline"
	DispatchQueue  = "queue"
)

// Layout decides which records the board and the dashboard show.
type Layout struct {
	TaskStages    []string `yaml:"task_stages"`
	DealStages    []string `yaml:"deal_stages"`
	ActivityLimit int      `yaml:"activity_limit"`
}

// DefaultLayout mirrors the stages the CRM ships with.
func DefaultLayout() Layout {
	return Layout{
		TaskStages:    []string{"TODO", "IN PROGRESS", "IN REVIEW", "DONE"},
		DealStages:    []string{"WON", "LOST"},
		ActivityLimit: 5,
	}
}

// Config holds every setting of the service, read from the environment.
type Config struct {
	Debug bool

	GraphQLURL   string
	GraphQLToken string

	RedisOptions *redis.Options
	CacheTTL     time.Duration
	OverlayTTL   time.Duration
	DeduperTTL   time.Duration
	UpdatesTopic string

	StorageConnectionString string
	ChangesTable            string
	ChangeQueue             string

	DispatchMode          string
	ChangeWorkers         int
	ChangeBuffer          int
	ChangeTimeout         time.Duration
	ChangeHandoffTimeout  time.Duration
	WorkerPollInterval    time.Duration
	WorkerVisibilityDelay time.Duration

	Auth0Domain   string
	Auth0Audience string
	AuthTestMode  bool

	LayoutFile string
	Layout     Layout

	ListenAddr string
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	cfg := Config{
		Debug:                   envBool("DEBUG"),
		GraphQLURL:              os.Getenv("GRAPHQL_URL"),
		GraphQLToken:            os.Getenv("GRAPHQL_TOKEN"),
		UpdatesTopic:            envString("BOARD_UPDATES_CHANNEL", "board-updates"),
		StorageConnectionString: os.Getenv("STORAGE_CONNECTION_STRING"),
		ChangesTable:            os.Getenv("CHANGES_TABLE"),
		ChangeQueue:             os.Getenv("CHANGE_QUEUE"),
		DispatchMode:            strings.ToLower(envString("DISPATCH_MODE", DispatchInline)),
		Auth0Domain:             os.Getenv("AUTH0_DOMAIN"),
		Auth0Audience:           os.Getenv("AUTH0_AUDIENCE"),
		AuthTestMode:            os.Getenv("AUTH0_TEST_MODE") == "1" || os.Getenv("LOCAL_AUTH_MODE") != "",
		LayoutFile:              os.Getenv("BOARD_CONFIG_FILE"),
		Layout:                  DefaultLayout(),
		ListenAddr:              ":8080",
	}
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		cfg.ListenAddr = ":" + val
	}

	if cfg.GraphQLURL == "" {
		return Config{}, errors.New("missing GRAPHQL_URL")
	}

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		return Config{}, errors.New("missing redis config")
	}
	cfg.RedisOptions = ParseRedisConnection(redisConn)

	if cfg.StorageConnectionString == "" || cfg.ChangesTable == "" {
		return Config{}, errors.New("missing storage config")
	}
	switch cfg.DispatchMode {
	case DispatchInline:
	case DispatchQueue:
		if cfg.ChangeQueue == "" {
			return Config{}, errors.New("missing CHANGE_QUEUE for queue dispatch")
		}
	default:
		return Config{}, fmt.Errorf("invalid DISPATCH_MODE %q", cfg.DispatchMode)
	}

	var err error
	durations := []struct {
		name string
		dst  *time.Duration
		def  time.Duration
	}{
		{"CACHE_TTL", &cfg.CacheTTL, 30 * time.Second},
		{"OVERLAY_TTL", &cfg.OverlayTTL, 5 * time.Minute},
		{"DEDUPER_TTL", &cfg.DeduperTTL, 24 * time.Hour},
		{"CHANGE_TIMEOUT", &cfg.ChangeTimeout, 30 * time.Second},
		{"CHANGE_HANDOFF_TIMEOUT", &cfg.ChangeHandoffTimeout, 15 * time.Millisecond},
		{"WORKER_POLL_INTERVAL", &cfg.WorkerPollInterval, time.Second},
		{"WORKER_VISIBILITY_TIMEOUT", &cfg.WorkerVisibilityDelay, time.Minute},
	}
	for _, d := range durations {
		if *d.dst, err = envDuration(d.name, d.def); err != nil {
			return Config{}, err
		}
	}
	if cfg.ChangeWorkers, err = envPositiveInt("CHANGE_WORKERS", 8); err != nil {
		return Config{}, err
	}
	if cfg.ChangeBuffer, err = envPositiveInt("CHANGE_BUFFER", 1024); err != nil {
		return Config{}, err
	}

	if !cfg.AuthTestMode && (cfg.Auth0Domain == "" || cfg.Auth0Audience == "") {
		return Config{}, errors.New("missing Auth0 config")
	}

	if cfg.LayoutFile != "" {
		if cfg.Layout, err = LoadLayout(cfg.LayoutFile); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// ParseRedisConnection accepts a redis:// URL or an Azure style
// "host:port,password=...,ssl=True" connection string.
func ParseRedisConnection(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts
}

// LoadLayout reads a YAML layout file. Missing keys keep their defaults.
func LoadLayout(path string) (Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Layout{}, fmt.Errorf("read layout: %w", err)
	}
	return ParseLayout(data)
}

// ParseLayout decodes a YAML layout document.
func ParseLayout(data []byte) (Layout, error) {
	layout := DefaultLayout()
	if err := yaml.Unmarshal(data, &layout); err != nil {
		return Layout{}, fmt.Errorf("parse layout: %w", err)
	}
	if len(layout.TaskStages) == 0 {
		return Layout{}, errors.New("layout: task_stages must not be empty")
	}
	if layout.ActivityLimit <= 0 {
		return Layout{}, errors.New("layout: activity_limit must be greater than zero")
	}
	return layout, nil
}

func envString(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envBool(name string) bool {
	v, err := strconv.ParseBool(os.Getenv(name))
	return err == nil && v
}

func envPositiveInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be greater than zero", name)
	}
	return n, nil
}

func envDuration(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be greater than zero", name)
	}
	return d, nil
}
