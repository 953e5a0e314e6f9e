package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nepiskopos/open-webui-enhancements/internal/logging"
	"github.com/nepiskopos/open-webui-enhancements/internal/models"
	"github.com/nepiskopos/open-webui-enhancements/internal/redis"
)

const (
	redisWatermarkChannel = "ledger:watermark"
	defaultRedisTTL       = 24 * time.Hour
)

// maxSetScript keeps the stored value monotonic across replicas.
var maxSetScript = goredis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local candidate = tonumber(ARGV[1])
if candidate > current then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 0
`)

type watermarkMessage struct {
	Namespace string `json:"ns"`
	UserID    string `json:"user_id"`
	ChatID    string `json:"chat_id"`
	Timestamp int64  `json:"ts"`
}

// RedisMirror stores watermarks in redis and broadcasts advances over pub/sub.
// Each pipeline uses its own namespace.
type RedisMirror struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
	logger    *slog.Logger
}

func NewRedisMirror(client *redis.Client, namespace string, ttl time.Duration, logger *slog.Logger) *RedisMirror {
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &RedisMirror{client: client, namespace: namespace, ttl: ttl, logger: logger}
}

func (r *RedisMirror) watermarkKey(key models.SessionKey) string {
	return fmt.Sprintf("ledger:watermark:%s:%s:%s", url.PathEscape(r.namespace), url.PathEscape(key.UserID), url.PathEscape(key.ChatID))
}

func (r *RedisMirror) Load(ctx context.Context, key models.SessionKey) (int64, bool) {
	if r == nil || r.client == nil {
		return 0, false
	}
	raw, err := r.client.Get(ctx, r.watermarkKey(key))
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			r.logger.Warn("ledger load watermark failed", "key", key.String(), "error", err)
		}
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		r.logger.Warn("ledger decode watermark failed", "key", key.String(), "error", err)
		return 0, false
	}
	return v, true
}

func (r *RedisMirror) Store(ctx context.Context, key models.SessionKey, ts int64) {
	if r == nil || r.client == nil {
		return
	}
	res, err := r.client.Run(ctx, maxSetScript, []string{r.watermarkKey(key)}, ts, r.ttl.Milliseconds())
	if err != nil {
		r.logger.Warn("ledger store watermark failed", "key", key.String(), "error", err)
		return
	}
	if advanced, _ := res.(int64); advanced == 1 {
		r.publish(ctx, watermarkMessage{Namespace: r.namespace, UserID: key.UserID, ChatID: key.ChatID, Timestamp: ts})
	}
}

// Subscribe listens for advances published by other replicas.
func (r *RedisMirror) Subscribe(ctx context.Context, apply func(models.SessionKey, int64)) {
	if r == nil || r.client == nil || apply == nil {
		return
	}
	raw := r.client.Raw()
	if raw == nil {
		return
	}
	pubsub := raw.Subscribe(ctx, redisWatermarkChannel)
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var wm watermarkMessage
				if err := json.Unmarshal([]byte(msg.Payload), &wm); err != nil {
					r.logger.Warn("ledger watermark decode failed", "error", err)
					continue
				}
				if wm.Namespace != r.namespace {
					continue
				}
				apply(models.NewSessionKey(wm.UserID, wm.ChatID), wm.Timestamp)
			}
		}
	}()
}

func (r *RedisMirror) publish(ctx context.Context, msg watermarkMessage) {
	raw := r.client.Raw()
	if raw == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		r.logger.Warn("ledger watermark marshal failed", "error", err)
		return
	}
	if err := raw.Publish(ctx, redisWatermarkChannel, payload).Err(); err != nil {
		r.logger.Warn("ledger publish watermark failed", "error", err)
	}
}
