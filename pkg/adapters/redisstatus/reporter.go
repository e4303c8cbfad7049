// Package redisstatus stores periodic port status snapshots in Redis so other
// processes can see an instance's ports without talking to it.
package redisstatus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sammck-go/dwvport/share"
)

// Source is what the reporter snapshots
type Source interface {
	PortStatus() string
	InstanceStatusFields() [][2]string
}

// Config holds the Redis connection and snapshot timing for a Reporter
type Config struct {
	Addr     string
	Password string
	DB       int
	// TTL is the lifetime of each snapshot; a stopped instance's keys expire
	TTL time.Duration
	// Interval between snapshots; defaults to a third of TTL
	Interval time.Duration
}

// Reporter writes "dwvport:<instance>:portstatus" (a string) and
// "dwvport:<instance>:status" (a hash) on every tick
type Reporter struct {
	logger   dwshare.Logger
	client   *redis.Client
	ttl      time.Duration
	interval time.Duration
}

// New connects to Redis and checks the connection with a PING
func New(logger dwshare.Logger, cfg Config) (*Reporter, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = cfg.TTL / 3
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &Reporter{
		logger:   logger.Fork("redis status"),
		client:   client,
		ttl:      cfg.TTL,
		interval: cfg.Interval,
	}, nil
}

func portStatusKey(instance string) string {
	return fmt.Sprintf("dwvport:%s:portstatus", instance)
}

func statusKey(instance string) string {
	return fmt.Sprintf("dwvport:%s:status", instance)
}

// Report writes one snapshot of src
func (r *Reporter) Report(ctx context.Context, instance string, src Source) error {
	fields := src.InstanceStatusFields()
	values := make([]interface{}, 0, 2*len(fields))
	for _, f := range fields {
		values = append(values, f[0], f[1])
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, portStatusKey(instance), src.PortStatus(), r.ttl)
	pipe.Del(ctx, statusKey(instance))
	if len(values) > 0 {
		pipe.HSet(ctx, statusKey(instance), values...)
		pipe.Expire(ctx, statusKey(instance), r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("status snapshot: %w", err)
	}
	return nil
}

// PortStatus reads back the last port status snapshot for an instance
func (r *Reporter) PortStatus(ctx context.Context, instance string) (string, error) {
	s, err := r.client.Get(ctx, portStatusKey(instance)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return s, err
}

// Run reports every interval until ctx is done. Failures are logged and the
// next tick tries again.
func (r *Reporter) Run(ctx context.Context, instance string, src Source) {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		if err := r.Report(ctx, instance, src); err != nil && ctx.Err() == nil {
			r.logger.WLogf("%s", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Close closes the Redis client
func (r *Reporter) Close() error {
	return r.client.Close()
}
