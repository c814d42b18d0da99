package redisbus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// Stream 字段
const (
	fieldKey       = "key"
	fieldPayload   = "payload"
	fieldAlive     = "alive"
	fieldTimestamp = "ts"
	fieldSource    = "source"
)

// StreamMessage Redis Streams 消息
type StreamMessage struct {
	Stream string
	ID     string
	Values map[string]interface{}
}

// streamEntry 总线样本在 stream 中的表示
type streamEntry struct {
	Key       string
	Payload   string
	Alive     bool
	Timestamp time.Time
	Source    string
}

func (e streamEntry) values() map[string]interface{} {
	alive := "0"
	if e.Alive {
		alive = "1"
	}
	return map[string]interface{}{
		fieldKey:       e.Key,
		fieldPayload:   e.Payload,
		fieldAlive:     alive,
		fieldTimestamp: strconv.FormatInt(e.Timestamp.UnixMilli(), 10),
		fieldSource:    e.Source,
	}
}

func parseStreamEntry(values map[string]interface{}) (streamEntry, error) {
	var e streamEntry
	key, ok := values[fieldKey].(string)
	if !ok {
		return e, fmt.Errorf("stream entry missing %q", fieldKey)
	}
	e.Key = key
	e.Payload, _ = values[fieldPayload].(string)
	e.Alive = values[fieldAlive] == "1"
	e.Source, _ = values[fieldSource].(string)
	if ts, ok := values[fieldTimestamp].(string); ok {
		if ms, err := strconv.ParseInt(ts, 10, 64); err == nil {
			e.Timestamp = time.UnixMilli(ms)
		}
	}
	return e, nil
}

// PublishToStream 发布消息到 Redis Streams（maxLen > 0 时近似裁剪）
func PublishToStream(ctx context.Context, client redis.Cmdable, stream string, maxLen int64, values map[string]interface{}) (string, error) {
	return client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: maxLen > 0,
		Values: values,
	}).Result()
}

// ReadFromStream 从 afterID 之后读取消息，最多阻塞 block
// 超时无消息时返回空切片
func ReadFromStream(ctx context.Context, client *redis.Client, stream, afterID string, count int64, block time.Duration) ([]StreamMessage, error) {
	streams, err := client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, afterID},
		Count:   count,
		Block:   block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []StreamMessage{}, nil
		}
		return nil, err
	}

	var messages []StreamMessage
	for _, s := range streams {
		for _, msg := range s.Messages {
			messages = append(messages, StreamMessage{
				Stream: s.Stream,
				ID:     msg.ID,
				Values: msg.Values,
			})
		}
	}
	return messages, nil
}

// LastStreamID 返回 stream 最后一条消息的 ID；stream 不存在或为空时返回 "0-0"
func LastStreamID(ctx context.Context, client *redis.Client, stream string) (string, error) {
	msgs, err := client.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", err
	}
	if len(msgs) == 0 {
		return "0-0", nil
	}
	return msgs[0].ID, nil
}
