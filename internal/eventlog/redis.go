package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/taskmesh/taskmesh/pkg/types"
)

// RedisLog implements Log backed by Redis. Each aggregate keeps a
// version counter (INCR gives the serialized, gap-free assignment) and
// a list of serialized events; a pub/sub channel fans out appends.
type RedisLog struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	maxLen int64

	subsMu sync.Mutex
	subs   map[chan *types.Event]func() // channel -> pubsub closer
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db)
	URL string

	// Password for Redis authentication
	Password string

	// DB is the database number
	DB int

	// Prefix for all keys (default: "events")
	Prefix string

	// TTL for aggregate history (0 = no expiry)
	TTL time.Duration

	// MaxPerAggregate bounds retained history per aggregate (0 = unbounded)
	MaxPerAggregate int64

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:          "redis://localhost:6379/0",
		Prefix:       "events",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisLog creates a new Redis-backed Log.
func NewRedisLog(cfg *RedisConfig) (*RedisLog, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}

	opts := &redis.Options{
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" && cfg.Password == "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 && cfg.DB == 0 {
			opts.DB = parsed.DB
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "events"
	}

	return &RedisLog{
		client: client,
		prefix: prefix,
		ttl:    cfg.TTL,
		maxLen: cfg.MaxPerAggregate,
		subs:   make(map[chan *types.Event]func()),
	}, nil
}

// Key helpers
func (l *RedisLog) keyVersion(at types.AggregateType, id string) string {
	return fmt.Sprintf("%s:%s:%s:version", l.prefix, at, id)
}
func (l *RedisLog) keyStream(at types.AggregateType, id string) string {
	return fmt.Sprintf("%s:%s:%s:log", l.prefix, at, id)
}
func (l *RedisLog) channel() string {
	return l.prefix + ":feed"
}

func (l *RedisLog) Append(ctx context.Context, at types.AggregateType, aggregateID string, et types.EventType, data interface{}) (*types.Event, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}

	// INCR serializes version assignment across processes.
	version, err := l.client.Incr(ctx, l.keyVersion(at, aggregateID)).Result()
	if err != nil {
		return nil, fmt.Errorf("assign version: %w", err)
	}

	event := &types.Event{
		ID:            uuid.New().String(),
		AggregateType: at,
		AggregateID:   aggregateID,
		Version:       version,
		Type:          et,
		Data:          payload,
		CreatedAt:     time.Now().UTC(),
	}

	encoded, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}

	pipe := l.client.Pipeline()
	pipe.RPush(ctx, l.keyStream(at, aggregateID), encoded)
	if l.maxLen > 0 {
		pipe.LTrim(ctx, l.keyStream(at, aggregateID), -l.maxLen, -1)
	}
	if l.ttl > 0 {
		pipe.Expire(ctx, l.keyStream(at, aggregateID), l.ttl)
		pipe.Expire(ctx, l.keyVersion(at, aggregateID), l.ttl)
	}
	pipe.Publish(ctx, l.channel(), encoded)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}

	return event, nil
}

func (l *RedisLog) History(ctx context.Context, at types.AggregateType, aggregateID string) ([]*types.Event, error) {
	raw, err := l.client.LRange(ctx, l.keyStream(at, aggregateID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	if len(raw) == 0 {
		return nil, ErrAggregateNotFound
	}

	events := make([]*types.Event, 0, len(raw))
	for _, item := range raw {
		var evt types.Event
		if err := json.Unmarshal([]byte(item), &evt); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		events = append(events, &evt)
	}
	return events, nil
}

func (l *RedisLog) Subscribe(ctx context.Context) (<-chan *types.Event, func(), error) {
	pubsub := l.client.Subscribe(ctx, l.channel())
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe: %w", err)
	}

	ch := make(chan *types.Event, 256)
	done := make(chan struct{})

	go func() {
		defer close(ch)
		src := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-src:
				if !ok {
					return
				}
				var evt types.Event
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					continue
				}
				select {
				case ch <- &evt:
				default:
				}
			}
		}
	}()

	closer := func() {
		close(done)
		_ = pubsub.Close()
	}

	l.subsMu.Lock()
	l.subs[ch] = closer
	l.subsMu.Unlock()

	cleanup := func() {
		l.subsMu.Lock()
		if c, ok := l.subs[ch]; ok {
			delete(l.subs, ch)
			l.subsMu.Unlock()
			c()
			return
		}
		l.subsMu.Unlock()
	}
	return ch, cleanup, nil
}

func (l *RedisLog) Close() error {
	l.subsMu.Lock()
	if l.closed {
		l.subsMu.Unlock()
		return nil
	}
	l.closed = true
	closers := make([]func(), 0, len(l.subs))
	for _, c := range l.subs {
		closers = append(closers, c)
	}
	l.subs = make(map[chan *types.Event]func())
	l.subsMu.Unlock()

	for _, c := range closers {
		c()
	}
	return l.client.Close()
}

// Verify interface compliance
var _ Log = (*RedisLog)(nil)
