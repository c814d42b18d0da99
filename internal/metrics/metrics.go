package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReadingsProcessed 按结果统计的读数（applied / unmapped / ignored）
	ReadingsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bedside_readings_processed_total",
		Help: "Device readings handled by the correlation engine, by outcome",
	}, []string{"outcome"})

	// DevicesLost 收到的设备下线通知
	DevicesLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bedside_devices_lost_total",
		Help: "Device deletion notices received on the Numeric topic",
	})

	// AlarmsPublished 报警发布次数（含原地更新）
	AlarmsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bedside_alarms_published_total",
		Help: "Alarm samples published",
	})

	// AlarmsRetracted 报警撤回次数
	AlarmsRetracted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bedside_alarms_retracted_total",
		Help: "Alarm instances retracted",
	})

	// PublishErrors 发布或撤回失败次数
	PublishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bedside_publish_errors_total",
		Help: "Alarm publish or retract failures",
	}, []string{"operation"})

	// ActiveAlarms 当前存活的报警
	ActiveAlarms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bedside_active_alarms",
		Help: "Alarms currently live on the bus",
	})

	// MonitoredPatients 已建立缓存的病人数
	MonitoredPatients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bedside_monitored_patients",
		Help: "Patients with a reading cache entry",
	})

	// AlarmsReceived alarm-display 收到的报警样本（raised / retracted）
	AlarmsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bedside_display_alarms_received_total",
		Help: "Alarm samples received by the display, by state",
	}, []string{"state"})

	// SamplesPublished device-simulator / patient-devices 发布的样本
	SamplesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bedside_samples_published_total",
		Help: "Samples published by the simulator and roster publisher, by topic",
	}, []string{"topic"})

	// SamplesLost 读者因队列溢出或无法解码丢弃的样本
	SamplesLost = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bedside_reader_samples_lost_total",
		Help: "Samples dropped by bus readers on queue overflow or decode failure, by topic",
	}, []string{"topic"})
)
