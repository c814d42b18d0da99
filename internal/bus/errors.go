package bus

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed 通信器、读者或写者已关闭
	ErrClosed = errors.New("bus: closed")
	// ErrTopicTypeMismatch 同名 topic 已用其他类型注册
	ErrTopicTypeMismatch = errors.New("bus: topic already registered with a different type")
	// ErrUnknownProfile QoS 库中找不到指定 profile
	ErrUnknownProfile = errors.New("bus: unknown qos profile")
	// ErrUnknownTransport 不支持的传输类型
	ErrUnknownTransport = errors.New("bus: unknown transport")
	// ErrResourceLimits 写者实例数达到 max_instances
	ErrResourceLimits = errors.New("bus: write failure - resource limits hit")
	// ErrInstanceNotRegistered 撤回一个未注册的实例
	ErrInstanceNotRegistered = errors.New("bus: instance not registered")
)

// InitializationError 总线初始化失败（participant、publisher、subscriber、topic 或读写者创建失败）
// 对所在进程是致命错误，不做重试
type InitializationError struct {
	Op  string
	Err error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("bus initialization failed: %s: %v", e.Op, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// ReadError 读取时发生的传输层错误（无数据和超时除外）
type ReadError struct {
	Topic string
	Err   error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read failed on topic %s: %v", e.Topic, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// PublishError 发布或撤回被拒绝
type PublishError struct {
	Topic string
	Key   string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish failed on topic %s key %s: %v", e.Topic, e.Key, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// IsInitializationError err 或其包装链中是否有 *InitializationError
func IsInitializationError(err error) bool {
	var target *InitializationError
	return errors.As(err, &target)
}

// IsReadError err 或其包装链中是否有 *ReadError
func IsReadError(err error) bool {
	var target *ReadError
	return errors.As(err, &target)
}

// IsPublishError err 或其包装链中是否有 *PublishError
func IsPublishError(err error) bool {
	var target *PublishError
	return errors.As(err, &target)
}
