package realtime

import (
	"context"
	"encoding/json"
	"strings"

	"mappl/internal/metrics"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// 实时事件类型，与客户端约定一致。
const (
	TypeConnected = "connected"
	TypeCreate    = "create"
	TypePing      = "ping"
	TypePong      = "pong"
)

// Envelope 是推送给房间订阅者的统一外层结构。
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode 序列化一个事件，payload 为空时只输出 type。
func Encode(typ string, payload any) ([]byte, error) {
	env := Envelope{Type: typ}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = b
	}
	return json.Marshal(env)
}

// Decode 解析事件外层，payload 保持原始字节。
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(data, &env)
	return env, err
}

// Broadcaster 由 ws.Hub 实现，把字节投递给房间内所有连接。
type Broadcaster interface {
	Broadcast(code string, msg []byte)
}

// Publisher 负责把房间事件发布出去。
type Publisher interface {
	Publish(ctx context.Context, code string, msg []byte) error
}

// LocalPublisher 单实例部署时直接写入本地 Hub。
type LocalPublisher struct {
	hub Broadcaster
}

func NewLocalPublisher(hub Broadcaster) *LocalPublisher {
	return &LocalPublisher{hub: hub}
}

func (p *LocalPublisher) Publish(_ context.Context, code string, msg []byte) error {
	p.hub.Broadcast(code, msg)
	metrics.RealtimePublishedTotal.WithLabelValues("local").Inc()
	return nil
}

// ChannelPrefix 是 Redis 频道前缀，完整频道名为 prefix+房间码。
const ChannelPrefix = "mappl:room:"

// RedisPublisher 通过 Redis Pub/Sub 在多实例之间扇出房间事件。
type RedisPublisher struct {
	client *redis.Client
	hub    Broadcaster
}

func NewRedisPublisher(client *redis.Client, hub Broadcaster) *RedisPublisher {
	return &RedisPublisher{client: client, hub: hub}
}

// Publish 只写 Redis，本实例的订阅者由 Run 收到后再投递。
func (p *RedisPublisher) Publish(ctx context.Context, code string, msg []byte) error {
	if err := p.client.Publish(ctx, ChannelPrefix+code, msg).Err(); err != nil {
		return err
	}
	metrics.RealtimePublishedTotal.WithLabelValues("redis").Inc()
	return nil
}

// Run 订阅所有房间频道并投递到本地 Hub，直到 ctx 结束。
func (p *RedisPublisher) Run(ctx context.Context) error {
	sub := p.client.PSubscribe(ctx, ChannelPrefix+"*")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			code := strings.TrimPrefix(m.Channel, ChannelPrefix)
			if code == "" {
				continue
			}
			p.hub.Broadcast(code, []byte(m.Payload))
		}
	}
}

// NewRedisClient 解析 URL 并确认连接可用。
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	log.Info().Str("addr", opts.Addr).Msg("connected to redis")
	return client, nil
}
