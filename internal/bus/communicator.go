package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CommunicatorConfig 通信器配置
type CommunicatorConfig struct {
	DomainID       int
	QoSLibrary     string
	ProfileSources []string
	Multicast      bool
	Dial           Dialer
}

// Communicator 进程内的总线会话：participant、publisher/subscriber 工厂和 topic 注册表
// 由调用方显式创建并传给读者和写者
type Communicator struct {
	cfg         CommunicatorConfig
	logger      *zap.Logger
	profiles    *ProfileSet
	participant Participant
	transport   Transport

	mu        sync.Mutex
	topics    map[string]*Topic
	endpoints []io.Closer
	closed    bool
}

// Publisher 写者工厂
type Publisher struct {
	comm *Communicator
	GUID string
}

// Subscriber 读者工厂
type Subscriber struct {
	comm *Communicator
	GUID string
}

// NewCommunicator 加载 QoS profile，创建 participant 和传输
// 任何失败都返回 *InitializationError，不重试
func NewCommunicator(ctx context.Context, cfg CommunicatorConfig, logger *zap.Logger) (*Communicator, error) {
	if cfg.Dial == nil {
		return nil, &InitializationError{Op: "create participant", Err: errors.New("no transport dialer configured")}
	}

	profiles, err := LoadProfiles(cfg.ProfileSources)
	if err != nil {
		return nil, &InitializationError{Op: "load qos profiles", Err: err}
	}

	profileName := ProfileParticipant
	if !cfg.Multicast {
		profileName = ProfileParticipantNoMulticast
	}
	profile, err := profiles.Lookup(cfg.QoSLibrary, profileName)
	if err != nil {
		return nil, &InitializationError{Op: "create participant", Err: err}
	}

	participant := Participant{
		GUID:     uuid.New().String(),
		DomainID: cfg.DomainID,
		Profile:  profile,
	}
	transport, err := cfg.Dial(ctx, participant)
	if err != nil {
		return nil, &InitializationError{Op: "create participant", Err: err}
	}

	logger = logger.With(
		zap.String("participant", participant.GUID),
		zap.Int("domain_id", cfg.DomainID),
	)
	logger.Info("Participant created",
		zap.String("qos_library", cfg.QoSLibrary),
		zap.String("qos_profile", profileName),
	)

	return &Communicator{
		cfg:         cfg,
		logger:      logger,
		profiles:    profiles,
		participant: participant,
		transport:   transport,
		topics:      make(map[string]*Topic),
	}, nil
}

// Participant 返回 participant 信息
func (c *Communicator) Participant() Participant {
	return c.participant
}

// CreatePublisher 创建 publisher
func (c *Communicator) CreatePublisher() (*Publisher, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, &InitializationError{Op: "create publisher", Err: ErrClosed}
	}
	return &Publisher{comm: c, GUID: uuid.New().String()}, nil
}

// CreateSubscriber 创建 subscriber
func (c *Communicator) CreateSubscriber() (*Subscriber, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, &InitializationError{Op: "create subscriber", Err: ErrClosed}
	}
	return &Subscriber{comm: c, GUID: uuid.New().String()}, nil
}

// Topic 查找或注册 topic，按 (类型, 名称) 幂等
// 同名但类型不同返回 ErrTopicTypeMismatch
func (c *Communicator) Topic(name, typeName string) (*Topic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, &InitializationError{Op: "create topic " + name, Err: ErrClosed}
	}
	if t, ok := c.topics[name]; ok {
		if t.TypeName != typeName {
			return nil, &InitializationError{
				Op:  "create topic " + name,
				Err: fmt.Errorf("%w: %s is %s, not %s", ErrTopicTypeMismatch, name, t.TypeName, typeName),
			}
		}
		return t, nil
	}

	t := &Topic{Name: name, TypeName: typeName}
	c.topics[name] = t
	c.logger.Debug("Topic registered", zap.String("topic", name), zap.String("type", typeName))
	return t, nil
}

// Profile 在配置的 QoS 库中解析 profile
func (c *Communicator) Profile(name string) (Profile, error) {
	return c.profiles.Lookup(c.cfg.QoSLibrary, name)
}

func (c *Communicator) transportFor() (Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.transport, nil
}

func (c *Communicator) track(endpoint io.Closer) {
	c.mu.Lock()
	c.endpoints = append(c.endpoints, endpoint)
	c.mu.Unlock()
}

// Close 关闭所有经由它创建的读者和写者，然后关闭传输
func (c *Communicator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	endpoints := c.endpoints
	c.endpoints = nil
	c.mu.Unlock()

	var errs []error
	// 逆序关闭，写者在传输关闭前注销实例
	for i := len(endpoints) - 1; i >= 0; i-- {
		if err := endpoints[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}

	c.logger.Info("Participant closed")
	return errors.Join(errs...)
}
