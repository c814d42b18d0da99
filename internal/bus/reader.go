package bus

import (
	"context"
	"sync"
	"time"

	"bedside-monitor/internal/metrics"

	"go.uber.org/zap"
)

type queuedSample[T any, K comparable] struct {
	key   K
	value T
	alive bool
}

// Reader 某个 topic 的类型化读者
// 维护每个实例 key 的最新存活值，并将收到的样本排队，直到 Take/WaitForUpdates 取走
// 同一 key 在队列中最多保留 history_depth 条，新样本覆盖最旧的未读样本
type Reader[T any, K comparable] struct {
	topic     TopicDescriptor
	topicType TopicType[T, K]
	logger    *zap.Logger

	// waitMu 串行化"等待"与"拆除等待机制"
	waitMu   sync.Mutex
	waitset  *WaitGroup
	readCond *ReadCondition
	shutdown *GuardCondition

	mu        sync.Mutex
	queue     []queuedSample[T, K]
	pending   map[K]int
	instances map[K]T
	err       error
	lost      uint64
	closed    bool

	sub Subscription
}

// NewReader 在 sub 所属通信器上为 topicName 创建读者
func NewReader[T any, K comparable](ctx context.Context, sub *Subscriber, topicType TopicType[T, K], topicName, profileName string) (*Reader[T, K], error) {
	comm := sub.comm
	topic, err := comm.Topic(topicName, topicType.Name)
	if err != nil {
		return nil, err
	}
	profile, err := comm.Profile(profileName)
	if err != nil {
		return nil, &InitializationError{Op: "create reader " + topicName, Err: err}
	}

	r := &Reader[T, K]{
		topic:     TopicDescriptor{Name: topic.Name, TypeName: topic.TypeName, Profile: profile},
		topicType: topicType,
		logger:    comm.logger.With(zap.String("topic", topicName)),
		waitset:   NewWaitGroup(),
		readCond:  newReadCondition(),
		shutdown:  NewGuardCondition(),
		pending:   make(map[K]int),
		instances: make(map[K]T),
	}
	r.waitset.Attach(r.readCond)
	r.waitset.Attach(r.shutdown)

	transport, err := comm.transportFor()
	if err != nil {
		return nil, &InitializationError{Op: "create reader " + topicName, Err: err}
	}
	r.sub, err = transport.Subscribe(ctx, r.topic, r)
	if err != nil {
		return nil, &InitializationError{Op: "subscribe " + topicName, Err: err}
	}
	comm.track(r)

	r.logger.Debug("Reader created",
		zap.String("profile", profileName),
		zap.String("durability", string(profile.Durability)),
	)
	return r, nil
}

// OnSample 实现 SampleHandler
func (r *Reader[T, K]) OnSample(s RawSample) {
	key, err := r.topicType.Keys.Parse(s.Key)
	if err != nil {
		r.dropSample("invalid instance key", s.Key, err)
		return
	}

	var value T
	if s.Alive {
		if value, err = r.topicType.decode(s.Payload); err != nil {
			r.dropSample("undecodable payload", s.Key, err)
			return
		}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if s.Alive {
		r.instances[key] = value
	} else {
		// 只有本读者见过存活的实例才报告注销；回放的历史 tombstone 直接丢弃
		if _, known := r.instances[key]; !known && r.pending[key] == 0 {
			r.mu.Unlock()
			r.logger.Debug("Ignoring unregister of unknown instance", zap.String("key", s.Key))
			return
		}
		delete(r.instances, key)
	}
	r.enqueueLocked(queuedSample[T, K]{key: key, value: value, alive: s.Alive})
	r.mu.Unlock()

	r.readCond.set(true)
}

// OnError 实现 SampleHandler；错误在下一次 Take/WaitForUpdates 时以 ReadError 返回
func (r *Reader[T, K]) OnError(err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.err = err
	r.mu.Unlock()

	r.readCond.set(true)
}

func (r *Reader[T, K]) dropSample(reason, key string, err error) {
	r.mu.Lock()
	r.lost++
	r.mu.Unlock()
	metrics.SamplesLost.WithLabelValues(r.topic.Name).Inc()
	r.logger.Warn("Dropping sample",
		zap.String("reason", reason),
		zap.String("key", key),
		zap.Error(err),
	)
}

func (r *Reader[T, K]) enqueueLocked(s queuedSample[T, K]) {
	depth := r.topic.Profile.HistoryDepth
	if r.pending[s.key] >= depth {
		r.removeOldestLocked(s.key)
	}
	if max := r.topic.Profile.MaxSamples; max > 0 && len(r.queue) >= max {
		oldest := r.queue[0]
		r.queue = r.queue[1:]
		r.decPendingLocked(oldest.key)
		r.lost++
		metrics.SamplesLost.WithLabelValues(r.topic.Name).Inc()
	}
	r.queue = append(r.queue, s)
	r.pending[s.key]++
}

func (r *Reader[T, K]) removeOldestLocked(key K) {
	for i, q := range r.queue {
		if q.key == key {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			r.decPendingLocked(key)
			return
		}
	}
}

func (r *Reader[T, K]) decPendingLocked(key K) {
	if r.pending[key] <= 1 {
		delete(r.pending, key)
		return
	}
	r.pending[key]--
}

// WaitForUpdates 最多阻塞 timeout 等待新数据，然后一次取走全部排队样本
// 调用时已有排队样本则立即返回；超时或已请求关闭时返回空结果且 err 为 nil
// 传输错误返回 *ReadError
func (r *Reader[T, K]) WaitForUpdates(ctx context.Context, timeout time.Duration) (updated []T, deleted []K, err error) {
	r.waitMu.Lock()
	defer r.waitMu.Unlock()

	if r.shutdown.Triggered() {
		return nil, nil, nil
	}

	if !r.readCond.Triggered() {
		active, err := r.waitset.Wait(ctx, timeout)
		if err != nil {
			return nil, nil, err
		}
		for _, id := range active {
			if id == r.shutdown.ID() {
				return nil, nil, nil
			}
		}
		if len(active) == 0 {
			return nil, nil, nil
		}
	}

	return r.Take()
}

// Take 非阻塞地取走全部排队样本
// 按 max_samples_per_take 分批循环，直到队列为空
func (r *Reader[T, K]) Take() (updated []T, deleted []K, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, nil, &ReadError{Topic: r.topic.Name, Err: ErrClosed}
	}
	if r.err != nil {
		err := r.err
		r.err = nil
		r.readCond.triggered.Store(len(r.queue) > 0)
		return nil, nil, &ReadError{Topic: r.topic.Name, Err: err}
	}

	batch := r.topic.Profile.MaxSamplesPerTake
	for len(r.queue) > 0 {
		n := min(batch, len(r.queue))
		for _, s := range r.queue[:n] {
			if s.alive {
				updated = append(updated, s.value)
			} else {
				deleted = append(deleted, s.key)
			}
			r.decPendingLocked(s.key)
		}
		r.queue = r.queue[n:]
	}
	r.queue = nil
	r.readCond.triggered.Store(false)

	return updated, deleted, nil
}

// LookupByKey 返回实例的最新存活值；实例不存在或已注销时返回 false
func (r *Reader[T, K]) LookupByKey(key K) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.instances[key]
	return v, ok
}

// Instances 当前存活实例数
func (r *Reader[T, K]) Instances() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

// SamplesLost 因队列溢出或无法解码而丢弃的样本数
func (r *Reader[T, K]) SamplesLost() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lost
}

// RequestShutdown 让当前及之后阻塞在 WaitForUpdates 的调用立即返回空结果，幂等
func (r *Reader[T, K]) RequestShutdown() {
	r.shutdown.Trigger()
}

// DataAvailable 返回读者的数据可用条件，可挂到调用方自己的 WaitGroup 上
func (r *Reader[T, K]) DataAvailable() Condition {
	return r.readCond
}

// Topic 读者所在 topic
func (r *Reader[T, K]) Topic() TopicDescriptor {
	return r.topic
}

// Close 取消订阅并拆除等待机制
func (r *Reader[T, K]) Close() error {
	r.shutdown.Trigger()

	r.waitMu.Lock()
	r.waitset.Detach(r.readCond)
	r.waitset.Detach(r.shutdown)
	r.waitMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.queue = nil
	r.pending = make(map[K]int)
	sub := r.sub
	r.mu.Unlock()

	if sub != nil {
		return sub.Cancel()
	}
	return nil
}
