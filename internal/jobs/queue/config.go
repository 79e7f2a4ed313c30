package queue

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/labflow-backend/internal/domain/jobs"
	"github.com/yungbote/labflow-backend/internal/jobs/policy"
	"github.com/yungbote/labflow-backend/internal/platform/envutil"
)

// Config is shared by the manager, the broker and the worker pools.
type Config struct {
	KeyPrefix            string
	DefaultConcurrency   int
	MaxAttempts          int
	Backoff              policy.Backoff
	StallInterval        time.Duration
	MaxStalledCount      int
	PollInterval         time.Duration
	WaitingHighWatermark int
	KeepCompleted        int
	KeepFailed           int
	Queues               map[jobs.QueueName]Override
}

// Override is the per-queue section of QUEUE_CONFIG_FILE.
type Override struct {
	Concurrency   int  `yaml:"concurrency"`
	MaxAttempts   int  `yaml:"max_attempts"`
	PausedOnStart bool `yaml:"paused_on_start"`
}

type overrideFile struct {
	Queues map[string]Override `yaml:"queues"`
}

func DefaultConfig() Config {
	return Config{
		KeyPrefix:            "labflow",
		DefaultConcurrency:   3,
		MaxAttempts:          3,
		Backoff:              policy.Backoff{Base: 5 * time.Second, Max: time.Hour, Jitter: 0.1},
		StallInterval:        30 * time.Second,
		MaxStalledCount:      1,
		PollInterval:         500 * time.Millisecond,
		WaitingHighWatermark: 100,
		KeepCompleted:        50,
		KeepFailed:           100,
		Queues:               map[jobs.QueueName]Override{},
	}
}

func ConfigFromEnv() (Config, error) {
	def := DefaultConfig()
	cfg := Config{
		KeyPrefix:          envutil.String("QUEUE_KEY_PREFIX", def.KeyPrefix),
		DefaultConcurrency: envutil.Int("QUEUE_DEFAULT_CONCURRENCY", def.DefaultConcurrency),
		MaxAttempts:        envutil.Int("QUEUE_MAX_ATTEMPTS", def.MaxAttempts),
		Backoff: policy.Backoff{
			Base:   envutil.Millis("QUEUE_BACKOFF_DELAY_MS", def.Backoff.Base),
			Max:    envutil.Millis("QUEUE_BACKOFF_MAX_MS", def.Backoff.Max),
			Jitter: def.Backoff.Jitter,
		},
		StallInterval:        envutil.Millis("QUEUE_STALL_INTERVAL_MS", def.StallInterval),
		MaxStalledCount:      envutil.Int("QUEUE_MAX_STALLED_COUNT", def.MaxStalledCount),
		PollInterval:         envutil.Millis("QUEUE_POLL_INTERVAL_MS", def.PollInterval),
		WaitingHighWatermark: envutil.Int("QUEUE_WAITING_HIGH_WATERMARK", def.WaitingHighWatermark),
		KeepCompleted:        envutil.Int("QUEUE_KEEP_COMPLETED", def.KeepCompleted),
		KeepFailed:           envutil.Int("QUEUE_KEEP_FAILED", def.KeepFailed),
		Queues:               map[jobs.QueueName]Override{},
	}
	if path := envutil.String("QUEUE_CONFIG_FILE", ""); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read QUEUE_CONFIG_FILE: %w", err)
		}
		overrides, err := ParseOverrides(raw)
		if err != nil {
			return Config{}, err
		}
		cfg.Queues = overrides
	}
	return cfg.normalized(), nil
}

// ParseOverrides decodes the YAML override document. Unknown queue names are
// rejected so a typo does not silently fall back to defaults.
func ParseOverrides(raw []byte) (map[jobs.QueueName]Override, error) {
	var f overrideFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse queue overrides: %w", err)
	}
	out := make(map[jobs.QueueName]Override, len(f.Queues))
	for name, o := range f.Queues {
		q := jobs.QueueName(strings.TrimSpace(name))
		if !q.Valid() {
			return nil, fmt.Errorf("queue overrides: unknown queue %q", name)
		}
		if o.Concurrency < 0 || o.MaxAttempts < 0 {
			return nil, fmt.Errorf("queue overrides: %s: negative value", name)
		}
		out[q] = o
	}
	return out, nil
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.KeyPrefix == "" {
		c.KeyPrefix = def.KeyPrefix
	}
	if c.DefaultConcurrency < 1 {
		c.DefaultConcurrency = 1
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.StallInterval <= 0 {
		c.StallInterval = def.StallInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.MaxStalledCount < 0 {
		c.MaxStalledCount = 0
	}
	if c.WaitingHighWatermark <= 0 {
		c.WaitingHighWatermark = def.WaitingHighWatermark
	}
	if c.Queues == nil {
		c.Queues = map[jobs.QueueName]Override{}
	}
	return c
}

func (c Config) Concurrency(q jobs.QueueName) int {
	if o, ok := c.Queues[q]; ok && o.Concurrency > 0 {
		return o.Concurrency
	}
	return c.DefaultConcurrency
}

func (c Config) MaxAttemptsFor(q jobs.QueueName) int {
	if o, ok := c.Queues[q]; ok && o.MaxAttempts > 0 {
		return o.MaxAttempts
	}
	return c.MaxAttempts
}

func (c Config) PausedOnStart(q jobs.QueueName) bool {
	return c.Queues[q].PausedOnStart
}
