package bus

import (
	"context"
	"time"
)

// RawSample 传输层交付的一条样本
// Alive 为 false 表示该实例已被注销（此时 Payload 为空，仅 Key 有效）
type RawSample struct {
	Key             string
	Payload         []byte
	Alive           bool
	SourceTimestamp time.Time
}

// SampleHandler 接收传输层交付的样本
// 实现必须非阻塞：只入队并触发条件
type SampleHandler interface {
	OnSample(s RawSample)
	// OnError 上报除"无数据"之外的传输错误
	OnError(err error)
}

// TopicDescriptor 传输层看到的 topic
type TopicDescriptor struct {
	Name     string
	TypeName string
	Profile  Profile
}

// Subscription 一个订阅
type Subscription interface {
	Cancel() error
}

// Transport 发布/订阅传输（redis、mqtt、nats、kafka 或进程内）
// 每个 Transport 实例属于一个 participant，topic 名按域 ID 隔离由实现负责
type Transport interface {
	Publish(ctx context.Context, topic TopicDescriptor, key string, payload []byte) error
	Unregister(ctx context.Context, topic TopicDescriptor, key string) error
	Subscribe(ctx context.Context, topic TopicDescriptor, h SampleHandler) (Subscription, error)
	Close() error
}

// Participant 一个总线参与者
type Participant struct {
	GUID     string
	DomainID int
	Profile  Profile
}

// Dialer 根据 participant 创建传输
type Dialer func(ctx context.Context, p Participant) (Transport, error)
