package radio

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ocx/dice/internal/addr"
)

// RedisRadio stands in for the real wireless medium across separate
// processes/hosts, using Redis Pub/Sub as the shared broadcast fabric.
// Grounded on internal/infra's GoRedisAdapter connection shape and
// internal/fabric's RedisEventBus publish/subscribe/fallback pattern.
type RedisRadio struct {
	rdb    *redis.Client
	prefix string
	runID  string

	mu   sync.Mutex
	cncl []context.CancelFunc
}

// NewRedisRadio connects to addr/db and returns a ready RedisRadio. Callers
// should fall back to NewMemRadio on error, the way cmd/dicenode does, rather
// than treating a Redis outage as fatal.
func NewRedisRadio(ctx context.Context, addr, password string, db int, channelPrefix string) (*RedisRadio, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis radio: ping %s: %w", addr, err)
	}
	if channelPrefix == "" {
		channelPrefix = "dice:radio:"
	}
	slog.Info("redis radio connected", "addr", addr, "db", db)
	return &RedisRadio{rdb: rdb, prefix: channelPrefix, runID: uuid.New().String()}, nil
}

func (r *RedisRadio) topic(ch Channel) string {
	return r.prefix + strconv.Itoa(int(ch))
}

// Send publishes payload, base64-encoded with its source address prefixed,
// onto the Redis channel for ch. Publish failures are logged and swallowed:
// a transient Redis hiccup should not be distinguishable, from the caller's
// perspective, from a dropped-on-the-air packet.
func (r *RedisRadio) Send(ctx context.Context, ch Channel, src addr.Addr, payload []byte) error {
	msg := fmt.Sprintf("%d|%s", src, base64.StdEncoding.EncodeToString(payload))
	if err := r.rdb.Publish(ctx, r.topic(ch), msg).Err(); err != nil {
		slog.Warn("redis radio publish failed", "channel", ch, "error", err)
		return nil
	}
	return nil
}

func (r *RedisRadio) Subscribe(ch Channel, h Handler) func() {
	ctx, cancel := context.WithCancel(context.Background())
	sub := r.rdb.Subscribe(ctx, r.topic(ch))
	msgCh := sub.Channel()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				src, payload, err := decodeMessage(msg.Payload)
				if err != nil {
					slog.Warn("redis radio: malformed message", "error", err)
					continue
				}
				h(src, payload)
			}
		}
	}()

	r.mu.Lock()
	r.cncl = append(r.cncl, cancel)
	r.mu.Unlock()

	return func() {
		cancel()
		sub.Close()
	}
}

func decodeMessage(raw string) (addr.Addr, []byte, error) {
	parts := strings.SplitN(raw, "|", 2)
	if len(parts) != 2 {
		return 0, nil, fmt.Errorf("missing separator")
	}
	n, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return 0, nil, fmt.Errorf("src: %w", err)
	}
	payload, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return 0, nil, fmt.Errorf("payload: %w", err)
	}
	return addr.Addr(n), payload, nil
}

// Close cancels every active subscription and closes the Redis client.
func (r *RedisRadio) Close() error {
	r.mu.Lock()
	for _, c := range r.cncl {
		c()
	}
	r.cncl = nil
	r.mu.Unlock()
	return r.rdb.Close()
}
