package supervisor

import (
	"sync"
	"time"

	"bedside-monitor/internal/metrics"
)

// Stats 引擎运行统计
type Stats struct {
	mu sync.RWMutex

	ReadingsApplied  int64 // 写入缓存的读数
	ReadingsUnmapped int64 // 设备未绑定病人而跳过的读数
	ReadingsIgnored  int64 // 不监测的指标
	DevicesLost      int64 // 设备下线通知
	AlarmsPublished  int64
	AlarmsRetracted  int64
	PublishFailures  int64
	RetractFailures  int64

	LastBatchTime time.Time
	StartTime     time.Time
}

// GetSnapshot 获取统计快照（线程安全）
func (s *Stats) GetSnapshot() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		ReadingsApplied:  s.ReadingsApplied,
		ReadingsUnmapped: s.ReadingsUnmapped,
		ReadingsIgnored:  s.ReadingsIgnored,
		DevicesLost:      s.DevicesLost,
		AlarmsPublished:  s.AlarmsPublished,
		AlarmsRetracted:  s.AlarmsRetracted,
		PublishFailures:  s.PublishFailures,
		RetractFailures:  s.RetractFailures,
		LastBatchTime:    s.LastBatchTime,
		StartTime:        s.StartTime,
	}
}

func (s *Stats) incReading(outcome string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch outcome {
	case "applied":
		s.ReadingsApplied++
	case "unmapped":
		s.ReadingsUnmapped++
	case "ignored":
		s.ReadingsIgnored++
	}
	metrics.ReadingsProcessed.WithLabelValues(outcome).Inc()
}

func (s *Stats) incDeviceLost() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DevicesLost++
	metrics.DevicesLost.Inc()
}

func (s *Stats) incPublished() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AlarmsPublished++
	metrics.AlarmsPublished.Inc()
}

func (s *Stats) incRetracted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AlarmsRetracted++
	metrics.AlarmsRetracted.Inc()
}

func (s *Stats) incFailure(operation string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if operation == "retract" {
		s.RetractFailures++
	} else {
		s.PublishFailures++
	}
	metrics.PublishErrors.WithLabelValues(operation).Inc()
}

func (s *Stats) markBatch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastBatchTime = time.Now()
}
