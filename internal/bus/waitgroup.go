package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ConditionID 条件标识
type ConditionID uint64

var conditionSeq atomic.Uint64

func nextConditionID() ConditionID {
	return ConditionID(conditionSeq.Add(1))
}

// Condition 可挂到 WaitGroup 上的条件
type Condition interface {
	ID() ConditionID
	Triggered() bool
	attach(w *WaitGroup)
	detach(w *WaitGroup)
}

type conditionBase struct {
	id        ConditionID
	triggered atomic.Bool

	mu       sync.Mutex
	waitsets map[*WaitGroup]struct{}
}

func (c *conditionBase) init() {
	c.id = nextConditionID()
	c.waitsets = make(map[*WaitGroup]struct{})
}

func (c *conditionBase) ID() ConditionID { return c.id }

func (c *conditionBase) Triggered() bool { return c.triggered.Load() }

func (c *conditionBase) attach(w *WaitGroup) {
	c.mu.Lock()
	c.waitsets[w] = struct{}{}
	c.mu.Unlock()
}

func (c *conditionBase) detach(w *WaitGroup) {
	c.mu.Lock()
	delete(c.waitsets, w)
	c.mu.Unlock()
}

// set 更新触发状态；变为 true 时唤醒所有挂载的 WaitGroup
func (c *conditionBase) set(v bool) {
	c.triggered.Store(v)
	if !v {
		return
	}
	c.mu.Lock()
	waitsets := make([]*WaitGroup, 0, len(c.waitsets))
	for w := range c.waitsets {
		waitsets = append(waitsets, w)
	}
	c.mu.Unlock()

	for _, w := range waitsets {
		w.wake()
	}
}

// GuardCondition 由应用手动触发的条件（用于关闭）
type GuardCondition struct {
	conditionBase
}

// NewGuardCondition 创建未触发的 GuardCondition
func NewGuardCondition() *GuardCondition {
	g := &GuardCondition{}
	g.init()
	return g
}

// Trigger 触发条件，幂等
func (g *GuardCondition) Trigger() { g.set(true) }

// Reset 清除触发状态
func (g *GuardCondition) Reset() { g.set(false) }

// ReadCondition 读者有待取样本（或待上报错误）时触发
type ReadCondition struct {
	conditionBase
}

func newReadCondition() *ReadCondition {
	rc := &ReadCondition{}
	rc.init()
	return rc
}

// WaitGroup 在多个条件的逻辑或上阻塞等待，带超时，不轮询
// 每次有条件触发都会关闭并替换 notify 通道，唤醒所有等待者
type WaitGroup struct {
	mu         sync.Mutex
	conditions map[ConditionID]Condition
	notify     chan struct{}
}

// NewWaitGroup 创建空的 WaitGroup
func NewWaitGroup() *WaitGroup {
	return &WaitGroup{
		conditions: make(map[ConditionID]Condition),
		notify:     make(chan struct{}),
	}
}

// Attach 挂载条件
func (w *WaitGroup) Attach(c Condition) {
	w.mu.Lock()
	w.conditions[c.ID()] = c
	w.mu.Unlock()
	c.attach(w)
	if c.Triggered() {
		w.wake()
	}
}

// Detach 卸载条件
func (w *WaitGroup) Detach(c Condition) {
	c.detach(w)
	w.mu.Lock()
	delete(w.conditions, c.ID())
	w.mu.Unlock()
}

// Len 已挂载条件数量
func (w *WaitGroup) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.conditions)
}

func (w *WaitGroup) wake() {
	w.mu.Lock()
	close(w.notify)
	w.notify = make(chan struct{})
	w.mu.Unlock()
}

// Wait 阻塞直到至少一个条件触发、超时或 ctx 取消
// 返回已触发的条件；超时返回空结果且 err 为 nil
func (w *WaitGroup) Wait(ctx context.Context, timeout time.Duration) ([]ConditionID, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		w.mu.Lock()
		var active []ConditionID
		for id, c := range w.conditions {
			if c.Triggered() {
				active = append(active, id)
			}
		}
		notify := w.notify
		w.mu.Unlock()

		if len(active) > 0 {
			return active, nil
		}

		select {
		case <-notify:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
