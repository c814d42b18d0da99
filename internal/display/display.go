// Package display 报警显示：等待 Alarm topic 上的报警，打印并可选地转发到 webhook
package display

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"bedside-monitor/internal/metrics"
	"bedside-monitor/internal/models"

	"go.uber.org/zap"
)

// AlarmSource 报警读者
type AlarmSource interface {
	WaitForUpdates(ctx context.Context, timeout time.Duration) ([]models.Alarm, []int32, error)
	RequestShutdown()
}

// Display 报警显示
type Display struct {
	alarms   AlarmSource
	notifier Notifier
	timeout  time.Duration
	out      io.Writer
	logger   *zap.Logger

	stopped atomic.Bool

	mu     sync.Mutex
	active map[int32]models.Alarm
}

// New 创建报警显示；notifier 可以为 nil
func New(alarms AlarmSource, notifier Notifier, timeout time.Duration, out io.Writer, logger *zap.Logger) *Display {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Display{
		alarms:   alarms,
		notifier: notifier,
		timeout:  timeout,
		out:      out,
		logger:   logger,
		active:   make(map[int32]models.Alarm),
	}
}

// Run 循环等待报警直到 ctx 取消或 RequestShutdown
func (d *Display) Run(ctx context.Context) error {
	d.logger.Info("Alarm display started", zap.Duration("wait_timeout", d.timeout))
	for {
		if ctx.Err() != nil || d.stopped.Load() {
			d.logger.Info("Alarm display stopped")
			return nil
		}
		raised, cleared, err := d.alarms.WaitForUpdates(ctx, d.timeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return fmt.Errorf("failed to wait for alarms: %w", err)
		}
		if len(raised) == 0 && len(cleared) == 0 {
			d.logger.Debug("No alarms within wait timeout")
			continue
		}
		d.Handle(ctx, raised, cleared)
	}
}

// RequestShutdown 唤醒阻塞中的等待
func (d *Display) RequestShutdown() {
	d.stopped.Store(true)
	d.alarms.RequestShutdown()
}

// Handle 显示一批报警与撤回
func (d *Display) Handle(ctx context.Context, raised []models.Alarm, cleared []int32) {
	for i := range raised {
		a := raised[i]
		d.mu.Lock()
		d.active[a.PatientID] = a
		d.mu.Unlock()

		metrics.AlarmsReceived.WithLabelValues(StateRaised).Inc()
		text := FormatAlarm(a)
		fmt.Fprint(d.out, text)
		d.logger.Warn("Alarm raised",
			zap.Int32("patient_id", a.PatientID),
			zap.String("kind", a.Kind),
			zap.String("alarm_id", a.AlarmID),
		)
		d.forward(ctx, AlarmEvent{State: StateRaised, PatientID: a.PatientID, Alarm: &a, Text: text, SentAt: time.Now()})
	}

	for _, pid := range cleared {
		d.mu.Lock()
		delete(d.active, pid)
		d.mu.Unlock()

		metrics.AlarmsReceived.WithLabelValues(StateRetracted).Inc()
		text := FormatRetraction(pid)
		fmt.Fprint(d.out, text)
		d.logger.Info("Alarm retracted", zap.Int32("patient_id", pid))
		d.forward(ctx, AlarmEvent{State: StateRetracted, PatientID: pid, Text: text, SentAt: time.Now()})
	}
}

func (d *Display) forward(ctx context.Context, event AlarmEvent) {
	if d.notifier == nil {
		return
	}
	if err := d.notifier.Notify(ctx, event); err != nil {
		d.logger.Error("Failed to forward alarm",
			zap.String("state", event.State),
			zap.Int32("patient_id", event.PatientID),
			zap.Error(err),
		)
	}
}

// Active 当前显示中的报警数
func (d *Display) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}
