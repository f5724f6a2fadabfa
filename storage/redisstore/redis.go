// Package redisstore implements admitcore.Storage against Redis, with one
// embedded Lua script per algorithm loaded via SCRIPT LOAD and invoked with
// EVALSHA, falling back to SCRIPT LOAD + retry on NOSCRIPT. This mirrors the
// teacher's redis backend (client construction, URL/field precedence,
// connectivity-error classification) generalized to the admission kernel's
// three algorithms instead of a generic get/set/CAS key-value contract.
package redisstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/corvid-systems/admitcore"
)

//go:embed scripts/tokenbucket_consume.lua
var tokenBucketScript string

//go:embed scripts/slidingwindow_check.lua
var slidingWindowScript string

//go:embed scripts/fixedwindow_consume.lua
var fixedWindowScript string

// connErrorPatterns are lowercase substrings of driver errors treated as
// connectivity failures rather than operational ones (e.g. a malformed
// script invocation), mirroring the teacher's redis connErrorStrings.
var connErrorPatterns = []string{
	"connection refused",
	"connection timeout",
	"connection reset",
	"network is unreachable",
	"no such host",
	"timeout",
	"i/o timeout",
	"broken pipe",
	"connection pool exhausted",
}

// Config configures a Store's connection to Redis.
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	// RedisURL, when set, is parsed with redis.ParseURL ("redis://" /
	// "unix://" formats); any non-zero field above then overrides the value
	// the URL supplied.
	RedisURL string
	// KeyPrefix namespaces every key this store touches, letting several
	// policies share one Redis instance without collision.
	KeyPrefix string
	// ConnErrorPatterns overrides connErrorPatterns when non-nil.
	ConnErrorPatterns []string
}

// Store is a Redis-backed admitcore.Storage.
type Store struct {
	client       redis.UniversalClient
	keyPrefix    string
	connPatterns []string

	tokenBucketSHA   string
	slidingWindowSHA string
	fixedWindowSHA   string
}

// New connects to Redis per cfg and preloads the admission scripts.
func New(ctx context.Context, cfg Config) (*Store, error) {
	var client redis.UniversalClient

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redisstore: invalid connection url: %w", err)
		}
		if cfg.Addr != "" {
			opts.Addr = cfg.Addr
		}
		if cfg.Password != "" {
			opts.Password = cfg.Password
		}
		if cfg.DB != 0 {
			opts.DB = cfg.DB
		}
		if cfg.PoolSize != 0 {
			opts.PoolSize = cfg.PoolSize
		}
		client = redis.NewClient(opts)
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
			PoolSize: cfg.PoolSize,
		})
	}

	patterns := cfg.ConnErrorPatterns
	if patterns == nil {
		patterns = connErrorPatterns
	}

	s := &Store{client: client, keyPrefix: cfg.KeyPrefix, connPatterns: patterns}

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, admitcore.NewStorageUnavailableError("redisstore:Ping", err)
	}

	if err := s.loadScripts(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

// NewWithClient wraps an already-connected redis.UniversalClient.
func NewWithClient(ctx context.Context, client redis.UniversalClient, keyPrefix string) (*Store, error) {
	s := &Store{client: client, keyPrefix: keyPrefix, connPatterns: connErrorPatterns}
	if err := s.loadScripts(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadScripts(ctx context.Context) error {
	var err error
	if s.tokenBucketSHA, err = s.client.ScriptLoad(ctx, tokenBucketScript).Result(); err != nil {
		return s.maybeConnError("redisstore:ScriptLoad:tokenbucket", err)
	}
	if s.slidingWindowSHA, err = s.client.ScriptLoad(ctx, slidingWindowScript).Result(); err != nil {
		return s.maybeConnError("redisstore:ScriptLoad:slidingwindow", err)
	}
	if s.fixedWindowSHA, err = s.client.ScriptLoad(ctx, fixedWindowScript).Result(); err != nil {
		return s.maybeConnError("redisstore:ScriptLoad:fixedwindow", err)
	}
	return nil
}

func (s *Store) key(key string) string {
	if s.keyPrefix == "" {
		return key
	}
	return s.keyPrefix + ":" + key
}

func (s *Store) CurrentTime() time.Time { return time.Now() }

func (s *Store) TryAcquire(ctx context.Context, key string, policy admitcore.Policy, now time.Time) (bool, admitcore.StateSnapshot, error) {
	ttlMillis := policy.TTL().Milliseconds()
	nowMillis := now.UnixMilli()

	switch policy.Algorithm() {
	case admitcore.TokenBucket:
		return s.evalTokenBucket(ctx, key, policy, nowMillis, ttlMillis)
	case admitcore.SlidingWindow:
		return s.evalSlidingWindow(ctx, key, policy, nowMillis, ttlMillis)
	case admitcore.FixedWindow:
		return s.evalFixedWindow(ctx, key, policy, nowMillis, ttlMillis)
	default:
		return false, admitcore.StateSnapshot{}, admitcore.NewStorageUnavailableError("redisstore:TryAcquire",
			errors.New("unrecognized algorithm"))
	}
}

func (s *Store) evalTokenBucket(ctx context.Context, key string, policy admitcore.Policy, nowMillis, ttlMillis int64) (bool, admitcore.StateSnapshot, error) {
	res, err := s.evalSha(ctx, &s.tokenBucketSHA, tokenBucketScript, s.key(key),
		strconv.FormatInt(policy.Capacity(), 10), strconv.FormatFloat(policy.RefillRate(), 'f', -1, 64),
		strconv.FormatInt(nowMillis, 10), strconv.FormatInt(ttlMillis, 10))
	if err != nil {
		return false, admitcore.StateSnapshot{}, err
	}

	vals := res.([]any)
	allowed := vals[0].(int64) == 1
	remaining, _ := strconv.ParseFloat(vals[1].(string), 64)

	resetMillis := nowMillis
	if remaining < float64(policy.Capacity()) {
		deficit := float64(policy.Capacity()) - remaining
		resetMillis = nowMillis + int64(deficit/policy.RefillRate())
	}

	return allowed, admitcore.StateSnapshot{
		Limit:        policy.Capacity(),
		Remaining:    int64(remaining),
		ResetTime:    time.UnixMilli(resetMillis),
		CurrentUsage: policy.Capacity() - int64(remaining),
	}, nil
}

func (s *Store) evalSlidingWindow(ctx context.Context, key string, policy admitcore.Policy, nowMillis, ttlMillis int64) (bool, admitcore.StateSnapshot, error) {
	res, err := s.evalSha(ctx, &s.slidingWindowSHA, slidingWindowScript, s.key(key),
		strconv.FormatInt(policy.Requests(), 10), strconv.FormatInt(policy.WindowMillis(), 10),
		strconv.FormatInt(nowMillis, 10), strconv.FormatInt(ttlMillis, 10))
	if err != nil {
		return false, admitcore.StateSnapshot{}, err
	}

	vals := res.([]any)
	allowed := vals[0].(int64) == 1
	count, _ := strconv.ParseInt(vals[1].(string), 10, 64)
	currentStart, _ := strconv.ParseInt(vals[2].(string), 10, 64)

	remaining := policy.Requests() - count
	if remaining < 0 {
		remaining = 0
	}

	return allowed, admitcore.StateSnapshot{
		Limit:        policy.Requests(),
		Remaining:    remaining,
		ResetTime:    time.UnixMilli(currentStart + policy.WindowMillis()),
		CurrentUsage: count,
	}, nil
}

func (s *Store) evalFixedWindow(ctx context.Context, key string, policy admitcore.Policy, nowMillis, ttlMillis int64) (bool, admitcore.StateSnapshot, error) {
	res, err := s.evalSha(ctx, &s.fixedWindowSHA, fixedWindowScript, s.key(key),
		strconv.FormatInt(policy.Requests(), 10), strconv.FormatInt(policy.WindowMillis(), 10),
		strconv.FormatInt(nowMillis, 10), strconv.FormatInt(ttlMillis, 10))
	if err != nil {
		return false, admitcore.StateSnapshot{}, err
	}

	vals := res.([]any)
	allowed := vals[0].(int64) == 1
	count := vals[1].(int64)
	windowNumber := vals[2].(int64)

	remaining := policy.Requests() - count
	if remaining < 0 {
		remaining = 0
	}

	return allowed, admitcore.StateSnapshot{
		Limit:        policy.Requests(),
		Remaining:    remaining,
		ResetTime:    time.UnixMilli((windowNumber + 1) * policy.WindowMillis()),
		CurrentUsage: count,
	}, nil
}

// evalSha runs script via EVALSHA, reloading and retrying once on NOSCRIPT
// (e.g. after a Redis restart flushed the script cache).
func (s *Store) evalSha(ctx context.Context, sha *string, script string, key string, args ...string) (any, error) {
	argv := make([]any, len(args))
	for i, a := range args {
		argv[i] = a
	}

	res, err := s.client.EvalSha(ctx, *sha, []string{key}, argv...).Result()
	if err != nil && strings.Contains(err.Error(), "NOSCRIPT") {
		newSHA, loadErr := s.client.ScriptLoad(ctx, script).Result()
		if loadErr != nil {
			return nil, s.maybeConnError("redisstore:ScriptLoad:reload", loadErr)
		}
		*sha = newSHA
		res, err = s.client.EvalSha(ctx, *sha, []string{key}, argv...).Result()
	}
	if err != nil {
		return nil, s.maybeConnError("redisstore:EvalSha", err)
	}
	return res, nil
}

func (s *Store) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return s.maybeConnError("redisstore:Reset", err)
	}
	return nil
}

// GetState reports only whether a key currently has state, since the
// stored payload's shape depends on which algorithm wrote it and GetState
// has no Policy to interpret it against. Callers that need the full
// snapshot should read it back through TryAcquire under the same Policy.
func (s *Store) GetState(ctx context.Context, key string) (admitcore.StateSnapshot, bool, error) {
	exists, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return admitcore.StateSnapshot{}, false, s.maybeConnError("redisstore:GetState", err)
	}
	return admitcore.StateSnapshot{}, exists > 0, nil
}

// Diagnostics reports the type/healthy/states.count keys every Storage
// implementation guarantees, plus redis-specific extras. states.count is
// DBSIZE against the whole selected Redis DB, not just this store's prefix
// — an exact per-prefix count would need a SCAN, too expensive to run on
// every diagnostics call.
func (s *Store) Diagnostics() map[string]any {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	count, err := s.client.DBSize(ctx).Result()
	if err != nil {
		count = -1
	}

	return map[string]any{
		"type":         "redis",
		"healthy":      s.IsHealthy(),
		"states.count": count,
		"prefix":       s.keyPrefix,
	}
}

func (s *Store) IsHealthy() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.client.Ping(ctx).Err() == nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) maybeConnError(op string, err error) error {
	if err == nil {
		return nil
	}
	lower := strings.ToLower(err.Error())
	for _, p := range s.connPatterns {
		if strings.Contains(lower, p) {
			return admitcore.NewStorageUnavailableError(op, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return admitcore.NewStorageUnavailableError(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
