package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	logs "github.com/danmuck/smplog"
	"github.com/go-redis/redis"
)

const scanCount = 256

// RedisConfig selects one redis logical database.
type RedisConfig struct {
	Addr        string
	DB          int
	Password    string
	DialTimeout time.Duration
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:        "localhost:6379",
		DialTimeout: 5 * time.Second,
	}
}

// Redis is a Store backed by one redis database index.
type Redis struct {
	cfg    RedisConfig
	client *redis.Client
}

// NewRedis connects and pings. A failed ping still returns a usable store;
// callers decide whether an unreachable server at startup is fatal.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultRedisConfig().Addr
	}
	if cfg.DB < 0 {
		return nil, fmt.Errorf("store: invalid db index %d", cfg.DB)
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		DB:          cfg.DB,
		Password:    cfg.Password,
		DialTimeout: cfg.DialTimeout,
	})
	r := &Redis{cfg: cfg, client: client}
	if err := r.Ping(); err != nil {
		logs.Warnf("store.Redis.New addr=%q db=%d err=%v", cfg.Addr, cfg.DB, err)
		return r, err
	}
	logs.Infof("store.Redis.New addr=%q db=%d", cfg.Addr, cfg.DB)
	return r, nil
}

func (r *Redis) DB() int {
	return r.cfg.DB
}

func (r *Redis) Ping() error {
	if err := r.client.Ping().Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	val, err := r.client.Get(key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("get "+key, err)
	}
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return ErrKeyRequired
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	if err := r.client.Set(key, value, 0).Err(); err != nil {
		return unavailable("set "+key, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrKeyRequired
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.client.Del(key).Err(); err != nil {
		return unavailable("del "+key, err)
	}
	return nil
}

func (r *Redis) Keys(ctx context.Context, prefix string) ([]string, error) {
	match := EscapeGlob(prefix) + "*"
	seen := make(map[string]struct{})
	keys := make([]string, 0)
	var cursor uint64
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, next, err := r.client.Scan(cursor, match, scanCount).Result()
		if err != nil {
			return nil, unavailable("scan "+match, err)
		}
		for _, k := range batch {
			// SCAN may return a key more than once
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// EscapeGlob quotes redis glob metacharacters so s matches literally.
func EscapeGlob(s string) string {
	if !strings.ContainsAny(s, `*?[]\`) {
		return s
	}
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}
