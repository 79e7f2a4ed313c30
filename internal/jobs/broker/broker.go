package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/labflow-backend/internal/platform/logger"
)

var (
	ErrNotFound   = errors.New("broker: job not found")
	ErrDuplicate  = errors.New("broker: job id already exists")
	ErrJobActive  = errors.New("broker: job is active")
	ErrLeaseLost  = errors.New("broker: lease lost")
	ErrBadCleanup = errors.New("broker: only completed or failed jobs can be cleaned")
)

// StalledError is stored on jobs failed by stall recovery.
const StalledError = "job stalled more than allowable limit"

type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

type Options struct {
	Prefix          string
	KeepCompleted   int
	KeepFailed      int
	MaxStalledCount int
	// OutcomeTTL bounds how long a trimmed job's outcome stays readable.
	OutcomeTTL time.Duration
	Now        func() time.Time
}

// Broker is a durable priority queue over a single Redis instance. Every
// state transition is one Lua script, so concurrent workers in any number of
// processes never claim the same job.
type Broker struct {
	rdb  goredis.UniversalClient
	log  *logger.Logger
	opts Options
}

func New(rdb goredis.UniversalClient, log *logger.Logger, opts Options) (*Broker, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(opts.Prefix) == "" {
		opts.Prefix = "labflow"
	}
	if opts.MaxStalledCount < 0 {
		opts.MaxStalledCount = 0
	}
	if opts.OutcomeTTL <= 0 {
		opts.OutcomeTTL = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Broker{rdb: rdb, log: log.With("service", "RedisBroker"), opts: opts}, nil
}

type queueKeys struct {
	wait, delayed, active, completed, failed, meta, seq string
	jobPrefix, outcomePrefix                            string
}

func (b *Broker) keys(queue string) queueKeys {
	base := b.opts.Prefix + ":q:" + queue
	return queueKeys{
		wait:          base + ":wait",
		delayed:       base + ":delayed",
		active:        base + ":active",
		completed:     base + ":completed",
		failed:        base + ":failed",
		meta:          base + ":meta",
		seq:           base + ":seq",
		jobPrefix:     base + ":job:",
		outcomePrefix: base + ":outcome:",
	}
}

func (b *Broker) nowMs() int64 { return b.opts.Now().UnixMilli() }

// Message is a job as the broker sees it.
type Message struct {
	ID           string
	Queue        string
	Data         []byte
	Priority     int
	Attempts     int
	MaxAttempts  int
	StalledCount int
	State        State
	Token        string
	Error        string
	Result       []byte
	CreatedAt    time.Time
	ProcessedAt  time.Time
	FinishedAt   time.Time
}

// AttemptsLeft reports whether another delivery is allowed after this one.
func (m *Message) AttemptsLeft() bool { return m.Attempts < m.MaxAttempts }

type PushArgs struct {
	ID          string
	Data        []byte
	Priority    int
	MaxAttempts int
	Delay       time.Duration
}

// Push adds a job. A second push with the same id returns ErrDuplicate and
// changes nothing.
func (b *Broker) Push(ctx context.Context, queue string, a PushArgs) error {
	if a.ID == "" {
		return fmt.Errorf("job id required")
	}
	if a.MaxAttempts < 1 {
		a.MaxAttempts = 1
	}
	k := b.keys(queue)
	now := b.nowMs()
	readyAt := now
	if a.Delay > 0 {
		readyAt = now + a.Delay.Milliseconds()
	}
	n, err := pushScript.Run(ctx, b.rdb,
		[]string{k.wait, k.delayed, k.seq, k.jobPrefix + a.ID},
		a.ID, string(a.Data), a.Priority, a.MaxAttempts, now, readyAt,
	).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

// Claim pops the most urgent ready job and leases it until now+lease. It
// returns nil, nil when nothing is ready or the queue is paused.
func (b *Broker) Claim(ctx context.Context, queue string, lease time.Duration) (*Message, error) {
	k := b.keys(queue)
	now := b.nowMs()
	token := uuid.NewString()
	res, err := claimScript.Run(ctx, b.rdb,
		[]string{k.wait, k.delayed, k.active, k.meta, k.seq},
		now, now+lease.Milliseconds(), k.jobPrefix, token,
	).StringSlice()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return parseMessage(queue, pairsToMap(res))
}

// Extend renews the lease of an owned active job.
func (b *Broker) Extend(ctx context.Context, queue, id, token string, lease time.Duration) error {
	k := b.keys(queue)
	n, err := extendScript.Run(ctx, b.rdb,
		[]string{k.active, k.jobPrefix + id},
		id, token, b.nowMs()+lease.Milliseconds(),
	).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (b *Broker) Complete(ctx context.Context, queue, id, token string, result []byte) error {
	k := b.keys(queue)
	return b.finish(ctx, k, k.completed, id, token, StateCompleted, "result", string(result), b.opts.KeepCompleted)
}

func (b *Broker) Fail(ctx context.Context, queue, id, token, errMsg string) error {
	k := b.keys(queue)
	return b.finish(ctx, k, k.failed, id, token, StateFailed, "error", errMsg, b.opts.KeepFailed)
}

func (b *Broker) finish(ctx context.Context, k queueKeys, target, id, token string, state State, field, value string, keep int) error {
	n, err := finishScript.Run(ctx, b.rdb,
		[]string{k.active, target, k.jobPrefix + id},
		id, token, b.nowMs(), string(state), field, value, keep, k.jobPrefix,
		k.outcomePrefix, b.opts.OutcomeTTL.Milliseconds(),
	).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Retry schedules an owned active job for redelivery after delay.
func (b *Broker) Retry(ctx context.Context, queue, id, token string, delay time.Duration, errMsg string) error {
	k := b.keys(queue)
	n, err := retryScript.Run(ctx, b.rdb,
		[]string{k.active, k.delayed, k.jobPrefix + id},
		id, token, b.nowMs()+delay.Milliseconds(), errMsg,
	).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Recovered is one job whose lease expired.
type Recovered struct {
	ID       string
	State    State
	Attempts int
}

// RecoverStalled requeues active jobs whose lease expired, or fails them once
// they have stalled more than MaxStalledCount times or used every attempt.
func (b *Broker) RecoverStalled(ctx context.Context, queue string) ([]Recovered, error) {
	k := b.keys(queue)
	res, err := stalledScript.Run(ctx, b.rdb,
		[]string{k.active, k.wait, k.failed, k.seq},
		b.nowMs(), k.jobPrefix, b.opts.MaxStalledCount, StalledError,
	).StringSlice()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, err
	}
	out := make([]Recovered, 0, len(res)/3)
	for i := 0; i+2 < len(res); i += 3 {
		attempts, _ := strconv.Atoi(res[i+2])
		out = append(out, Recovered{ID: res[i], State: State(res[i+1]), Attempts: attempts})
	}
	return out, nil
}

func (b *Broker) Pause(ctx context.Context, queue string) error {
	return b.rdb.HSet(ctx, b.keys(queue).meta, "paused", "1").Err()
}

func (b *Broker) Resume(ctx context.Context, queue string) error {
	return b.rdb.HDel(ctx, b.keys(queue).meta, "paused").Err()
}

func (b *Broker) IsPaused(ctx context.Context, queue string) (bool, error) {
	v, err := b.rdb.HGet(ctx, b.keys(queue).meta, "paused").Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

// Drain deletes every waiting and delayed job and returns their ids.
func (b *Broker) Drain(ctx context.Context, queue string) ([]string, error) {
	k := b.keys(queue)
	ids, err := drainScript.Run(ctx, b.rdb, []string{k.wait, k.delayed}, k.jobPrefix).StringSlice()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	return ids, err
}

// Clean deletes up to limit jobs in state that finished more than grace ago.
// limit <= 0 means no limit.
func (b *Broker) Clean(ctx context.Context, queue string, grace time.Duration, limit int, state State) ([]string, error) {
	k := b.keys(queue)
	var set string
	switch state {
	case StateCompleted:
		set = k.completed
	case StateFailed:
		set = k.failed
	default:
		return nil, ErrBadCleanup
	}
	maxScore := b.nowMs() - grace.Milliseconds()
	ids, err := cleanScript.Run(ctx, b.rdb, []string{set}, maxScore, limit, k.jobPrefix).StringSlice()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	return ids, err
}

// Remove hard-deletes a job that is not active.
func (b *Broker) Remove(ctx context.Context, queue, id string) error {
	k := b.keys(queue)
	n, err := removeScript.Run(ctx, b.rdb,
		[]string{k.wait, k.delayed, k.active, k.completed, k.failed, k.jobPrefix + id},
		id,
	).Int()
	if err != nil {
		return err
	}
	switch n {
	case 0:
		return ErrNotFound
	case -1:
		return ErrJobActive
	default:
		return nil
	}
}

func (b *Broker) Get(ctx context.Context, queue, id string) (*Message, error) {
	m, err := b.rdb.HGetAll(ctx, b.keys(queue).jobPrefix+id).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return parseMessage(queue, m)
}

// Outcome returns the settled state of a job trimmed from its finished set.
// Data is empty. ErrNotFound means no trace is left.
func (b *Broker) Outcome(ctx context.Context, queue, id string) (*Message, error) {
	m, err := b.rdb.HGetAll(ctx, b.keys(queue).outcomePrefix+id).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return parseMessage(queue, m)
}

type Counts struct {
	Waiting   int64
	Active    int64
	Completed int64
	Failed    int64
	Delayed   int64
	Paused    bool
}

func (b *Broker) Counts(ctx context.Context, queue string) (Counts, error) {
	k := b.keys(queue)
	pipe := b.rdb.Pipeline()
	wait := pipe.ZCard(ctx, k.wait)
	active := pipe.ZCard(ctx, k.active)
	completed := pipe.ZCard(ctx, k.completed)
	failed := pipe.ZCard(ctx, k.failed)
	delayed := pipe.ZCard(ctx, k.delayed)
	paused := pipe.HGet(ctx, k.meta, "paused")
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return Counts{}, err
	}
	return Counts{
		Waiting:   wait.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
		Paused:    paused.Val() == "1",
	}, nil
}

// LastCompleted returns the finish time of the most recently completed job.
func (b *Broker) LastCompleted(ctx context.Context, queue string) (time.Time, bool, error) {
	zs, err := b.rdb.ZRevRangeWithScores(ctx, b.keys(queue).completed, 0, 0).Result()
	if err != nil {
		return time.Time{}, false, err
	}
	if len(zs) == 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(int64(zs[0].Score)), true, nil
}

func pairsToMap(flat []string) map[string]string {
	m := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		m[flat[i]] = flat[i+1]
	}
	return m
}

func parseMessage(queue string, m map[string]string) (*Message, error) {
	id := m["id"]
	if id == "" {
		return nil, fmt.Errorf("broker: malformed job hash in %s", queue)
	}
	msg := &Message{
		ID:           id,
		Queue:        queue,
		Data:         []byte(m["data"]),
		Priority:     atoi(m["priority"]),
		Attempts:     atoi(m["attempts"]),
		MaxAttempts:  atoi(m["max_attempts"]),
		StalledCount: atoi(m["stalled"]),
		State:        State(m["state"]),
		Token:        m["token"],
		Error:        m["error"],
		CreatedAt:    msTime(m["created_at"]),
		ProcessedAt:  msTime(m["processed_at"]),
		FinishedAt:   msTime(m["finished_at"]),
	}
	if r, ok := m["result"]; ok && r != "" {
		msg.Result = []byte(r)
	}
	return msg, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func msTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
