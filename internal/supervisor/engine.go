package supervisor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"bedside-monitor/internal/bus"
	"bedside-monitor/internal/metrics"
	"bedside-monitor/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// NumericSource 设备读数来源（Numeric 读者）
type NumericSource interface {
	WaitForUpdates(ctx context.Context, timeout time.Duration) ([]models.DeviceReading, []string, error)
	RequestShutdown()
}

// PatientLookup 设备-病人映射查询（DevicePatientMapping 读者）
type PatientLookup interface {
	LookupByKey(deviceID string) (models.PatientDeviceMapping, bool)
}

// AlarmSink 报警发布（Alarm 写者）
type AlarmSink interface {
	Publish(ctx context.Context, alarm models.Alarm) error
	Retract(ctx context.Context, patientID int32) error
}

// Options 引擎选项
type Options struct {
	WaitTimeout       time.Duration
	Threshold         float64
	RetractOnClear    bool
	EvictOnDeviceLoss bool
	// StatsInterval 统计日志间隔，0 表示不输出
	StatsInterval time.Duration
}

// DefaultOptions 默认选项：1 秒等待，阈值 100，撤回与清除均开启
func DefaultOptions() Options {
	return Options{
		WaitTimeout:       time.Second,
		Threshold:         100,
		RetractOnClear:    true,
		EvictOnDeviceLoss: true,
		StatsInterval:     time.Minute,
	}
}

// patientCache 病人读数缓存：slots[0] 血氧仪脉率，slots[1] 心电脉率
type patientCache struct {
	slots [2]*models.DeviceReading
}

// Engine 床旁关联引擎
type Engine struct {
	numeric  NumericSource
	patients PatientLookup
	alarms   AlarmSink
	opts     Options
	logger   *zap.Logger
	stats    *Stats

	stopped atomic.Bool

	// batchMu 串行化批处理；live 只在批处理中修改
	batchMu sync.Mutex

	// mu 保护 cache 与 live，不跨越发布/撤回的传输调用
	mu    sync.Mutex
	cache map[int32]*patientCache
	live  map[int32]models.Alarm
}

// NewEngine 创建关联引擎
func NewEngine(numeric NumericSource, patients PatientLookup, alarms AlarmSink, opts Options, logger *zap.Logger) *Engine {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = time.Second
	}
	return &Engine{
		numeric:  numeric,
		patients: patients,
		alarms:   alarms,
		opts:     opts,
		logger:   logger,
		stats:    &Stats{StartTime: time.Now()},
		cache:    make(map[int32]*patientCache),
		live:     make(map[int32]models.Alarm),
	}
}

// Run 循环监测直到 ctx 取消或 RequestShutdown
// ReadError 终止循环并返回；超时只是进入下一轮
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("Bedside supervisor started",
		zap.Float64("threshold", e.opts.Threshold),
		zap.Duration("wait_timeout", e.opts.WaitTimeout),
		zap.Bool("retract_on_clear", e.opts.RetractOnClear),
		zap.Bool("evict_on_device_loss", e.opts.EvictOnDeviceLoss),
	)

	if e.opts.StatsInterval > 0 {
		statsCtx, statsCancel := context.WithCancel(ctx)
		defer statsCancel()
		go e.reportStats(statsCtx)
	}

	for {
		if ctx.Err() != nil || e.stopped.Load() {
			e.logger.Info("Bedside supervisor stopped")
			return nil
		}
		if err := e.MonitorPatients(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			e.logger.Error("Monitoring loop terminated", zap.Error(err))
			return err
		}
	}
}

// RequestShutdown 停止 Run，唤醒阻塞中的等待
func (e *Engine) RequestShutdown() {
	e.stopped.Store(true)
	e.numeric.RequestShutdown()
}

// MonitorPatients 等待一批读数并处理
func (e *Engine) MonitorPatients(ctx context.Context) error {
	updated, deleted, err := e.numeric.WaitForUpdates(ctx, e.opts.WaitTimeout)
	if err != nil {
		return err
	}
	if len(updated) == 0 && len(deleted) == 0 {
		return nil
	}
	e.ProcessBatch(ctx, updated, deleted)
	return nil
}

// ProcessBatch 将一批读数与设备下线通知应用到病人缓存，并对受影响的病人重新评估
func (e *Engine) ProcessBatch(ctx context.Context, updated []models.DeviceReading, deleted []string) {
	e.batchMu.Lock()
	defer e.batchMu.Unlock()

	for _, patientID := range e.applyBatch(updated, deleted) {
		e.evaluate(ctx, patientID)
	}
}

// applyBatch 更新缓存，返回按 ID 排序的受影响病人
func (e *Engine) applyBatch(updated []models.DeviceReading, deleted []string) []int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.markBatch()

	var touched []int32
	seen := make(map[int32]bool)
	touch := func(patientID int32) {
		if !seen[patientID] {
			seen[patientID] = true
			touched = append(touched, patientID)
		}
	}

	for i := range updated {
		reading := updated[i]
		slot, ok := models.SlotOf(reading.MetricID)
		if !ok {
			e.stats.incReading("ignored")
			continue
		}
		mapping, ok := e.patients.LookupByKey(reading.DeviceID)
		if !ok {
			e.stats.incReading("unmapped")
			e.logger.Debug("Skipping reading from unmapped device",
				zap.String("device_id", reading.DeviceID),
				zap.String("metric_id", reading.MetricID),
			)
			continue
		}

		cache, ok := e.cache[mapping.PatientID]
		if !ok {
			cache = &patientCache{}
			e.cache[mapping.PatientID] = cache
			metrics.MonitoredPatients.Set(float64(len(e.cache)))
		}
		cache.slots[slot] = &reading
		e.stats.incReading("applied")
		touch(mapping.PatientID)
	}

	for _, deviceID := range deleted {
		e.stats.incDeviceLost()
		if !e.opts.EvictOnDeviceLoss {
			continue
		}
		for patientID, cache := range e.cache {
			for i, r := range cache.slots {
				if r != nil && r.DeviceID == deviceID {
					cache.slots[i] = nil
					touch(patientID)
					e.logger.Info("Evicted reading of lost device",
						zap.String("device_id", deviceID),
						zap.Int32("patient_id", patientID),
					)
				}
			}
		}
	}

	sort.Slice(touched, func(i, j int) bool { return touched[i] < touched[j] })
	return touched
}

// exceeds 报警条件：两个槽位都有读数且都严格大于阈值
func (e *Engine) exceeds(c *patientCache) bool {
	for _, r := range c.slots {
		if r == nil || !(r.Value > e.opts.Threshold) {
			return false
		}
	}
	return true
}

func (e *Engine) evaluate(ctx context.Context, patientID int32) {
	e.mu.Lock()
	cache := e.cache[patientID]
	prev, isLive := e.live[patientID]
	raise := e.exceeds(cache)
	var alarm models.Alarm
	if raise {
		alarm = models.Alarm{
			PatientID: patientID,
			Kind:      models.AlarmKindMultipleVitals,
			Readings:  [2]models.DeviceReading{*cache.slots[0], *cache.slots[1]},
		}
	}
	e.mu.Unlock()

	if raise {
		if isLive {
			alarm.AlarmID, alarm.RaisedAt = prev.AlarmID, prev.RaisedAt
		} else {
			alarm.AlarmID, alarm.RaisedAt = uuid.New().String(), time.Now()
		}

		if err := e.alarms.Publish(ctx, alarm); err != nil {
			e.stats.incFailure("publish")
			e.logger.Warn("Failed to publish alarm",
				zap.Int32("patient_id", patientID),
				zap.Error(err),
			)
			return
		}
		e.setLive(patientID, &alarm)
		e.stats.incPublished()
		if !isLive {
			e.logger.Info("Alarm raised",
				zap.Int32("patient_id", patientID),
				zap.String("alarm_id", alarm.AlarmID),
				zap.Float64("pulse_oximeter_rate", alarm.Readings[0].Value),
				zap.Float64("ecg_rate", alarm.Readings[1].Value),
			)
		}
		return
	}

	if !isLive || !e.opts.RetractOnClear {
		return
	}
	if err := e.alarms.Retract(ctx, patientID); err != nil && !errors.Is(err, bus.ErrInstanceNotRegistered) {
		e.stats.incFailure("retract")
		e.logger.Warn("Failed to retract alarm",
			zap.Int32("patient_id", patientID),
			zap.Error(err),
		)
		return
	}
	e.setLive(patientID, nil)
	e.stats.incRetracted()
	e.logger.Info("Alarm cleared",
		zap.Int32("patient_id", patientID),
		zap.String("alarm_id", prev.AlarmID),
	)
}

// setLive 记录（alarm 非 nil）或清除病人的存活报警
func (e *Engine) setLive(patientID int32, alarm *models.Alarm) {
	e.mu.Lock()
	if alarm != nil {
		e.live[patientID] = *alarm
	} else {
		delete(e.live, patientID)
	}
	n := len(e.live)
	e.mu.Unlock()
	metrics.ActiveAlarms.Set(float64(n))
}

// ActiveAlarms 当前存活的报警，按病人 ID 排序
func (e *Engine) ActiveAlarms() []models.Alarm {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Alarm, 0, len(e.live))
	for _, a := range e.live {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PatientID < out[j].PatientID })
	return out
}

// PatientReadings 病人缓存中的两个槽位（空槽位为 nil）
func (e *Engine) PatientReadings(patientID int32) ([2]*models.DeviceReading, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cache, ok := e.cache[patientID]
	if !ok {
		return [2]*models.DeviceReading{}, false
	}
	var out [2]*models.DeviceReading
	for i, r := range cache.slots {
		if r != nil {
			copied := *r
			out[i] = &copied
		}
	}
	return out, true
}

// PatientCount 已建立缓存的病人数
func (e *Engine) PatientCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cache)
}

// Stats 统计快照
func (e *Engine) Stats() Stats {
	return e.stats.GetSnapshot()
}

func (e *Engine) reportStats(ctx context.Context) {
	ticker := time.NewTicker(e.opts.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := e.stats.GetSnapshot()
			e.logger.Info("Metrics report",
				zap.Int64("readings_applied", s.ReadingsApplied),
				zap.Int64("readings_unmapped", s.ReadingsUnmapped),
				zap.Int64("readings_ignored", s.ReadingsIgnored),
				zap.Int64("devices_lost", s.DevicesLost),
				zap.Int64("alarms_published", s.AlarmsPublished),
				zap.Int64("alarms_retracted", s.AlarmsRetracted),
				zap.Int64("publish_failures", s.PublishFailures),
				zap.Int64("retract_failures", s.RetractFailures),
				zap.Duration("uptime", time.Since(s.StartTime)),
			)
		}
	}
}
