// Package simulator 设备模拟器：为名册中的设备周期性发布脉率读数
// 每名病人的第一台设备作为血氧仪，第二台作为心电监护仪
package simulator

import (
	"context"
	"errors"
	"math/rand/v2"
	"sort"
	"time"

	"bedside-monitor/internal/metrics"
	"bedside-monitor/internal/models"

	"go.uber.org/zap"
)

// 读数范围
const (
	normalMin = 60.0
	normalMax = 95.0
	highMin   = 101.0
	highMax   = 140.0
)

// Publisher 设备读数写者
type Publisher interface {
	Publish(ctx context.Context, reading models.DeviceReading) error
	Retract(ctx context.Context, deviceID string) error
}

// Device 模拟设备
type Device struct {
	DeviceID string
	MetricID string
}

// DevicesFromRoster 按病人为设备分配指标；第三台及以后的设备不模拟
func DevicesFromRoster(mappings []models.PatientDeviceMapping) []Device {
	byPatient := make(map[int32][]string)
	var patients []int32
	for _, m := range mappings {
		if _, ok := byPatient[m.PatientID]; !ok {
			patients = append(patients, m.PatientID)
		}
		byPatient[m.PatientID] = append(byPatient[m.PatientID], m.DeviceID)
	}
	sort.Slice(patients, func(i, j int) bool { return patients[i] < patients[j] })

	metricsBySlot := []string{models.MetricPulseOximeterPulseRate, models.MetricECGPulseRate}
	var devices []Device
	for _, pid := range patients {
		for i, id := range byPatient[pid] {
			if i >= len(metricsBySlot) {
				break
			}
			devices = append(devices, Device{DeviceID: id, MetricID: metricsBySlot[i]})
		}
	}
	return devices
}

// Simulator 设备模拟器
type Simulator struct {
	devices    []Device
	writer     Publisher
	period     time.Duration
	highValues bool
	logger     *zap.Logger
	rnd        *rand.Rand
}

// New 创建模拟器；highValues 为 true 时全部读数超出阈值
func New(devices []Device, writer Publisher, period time.Duration, highValues bool, logger *zap.Logger) *Simulator {
	if period <= 0 {
		period = time.Second
	}
	return &Simulator{
		devices:    devices,
		writer:     writer,
		period:     period,
		highValues: highValues,
		logger:     logger,
		rnd:        rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}
}

// Run 每个周期发布一轮读数，ctx 取消后撤回全部设备
func (s *Simulator) Run(ctx context.Context) error {
	s.logger.Info("Device simulator started",
		zap.Int("devices", len(s.devices)),
		zap.Duration("period", s.period),
		zap.Bool("high_values", s.highValues),
	)

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	s.PublishRound(ctx)
	for {
		select {
		case <-ctx.Done():
			return s.RetractAll(context.Background())
		case <-ticker.C:
			s.PublishRound(ctx)
		}
	}
}

// PublishRound 为每台设备发布一条读数，失败只记录日志
func (s *Simulator) PublishRound(ctx context.Context) int {
	published := 0
	now := time.Now()
	for _, d := range s.devices {
		reading := models.DeviceReading{
			DeviceID:  d.DeviceID,
			MetricID:  d.MetricID,
			Value:     s.value(),
			Timestamp: now,
		}
		if err := s.writer.Publish(ctx, reading); err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("Failed to publish reading", zap.String("device_id", d.DeviceID), zap.Error(err))
			}
			continue
		}
		published++
		metrics.SamplesPublished.WithLabelValues(models.TopicNumeric).Inc()
	}
	return published
}

// RetractAll 撤回全部设备实例（设备下线）
func (s *Simulator) RetractAll(ctx context.Context) error {
	var errs []error
	for _, d := range s.devices {
		if err := s.writer.Retract(ctx, d.DeviceID); err != nil {
			errs = append(errs, err)
		}
	}
	s.logger.Info("Device simulator stopped", zap.Int("devices", len(s.devices)))
	return errors.Join(errs...)
}

func (s *Simulator) value() float64 {
	lo, hi := normalMin, normalMax
	if s.highValues {
		lo, hi = highMin, highMax
	}
	return float64(int(lo + s.rnd.Float64()*(hi-lo)))
}
