package models

import (
	"time"

	"bedside-monitor/internal/bus"
)

// 监测指标代码
const (
	MetricPulseOximeterPulseRate = "MDC_PULS_OXIM_PULS_RATE" // 血氧仪脉率
	MetricECGPulseRate           = "MDC_PULS_RATE"           // 心电脉率
)

// DeviceReading 设备读数（Numeric topic，key = DeviceID）
type DeviceReading struct {
	DeviceID  string    `json:"deviceId"`
	MetricID  string    `json:"metricId"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// NumericType Numeric topic 的类型
var NumericType = bus.TopicType[DeviceReading, string]{
	Name:  "ice::Numeric",
	KeyOf: func(r DeviceReading) string { return r.DeviceID },
	Keys:  bus.StringKeys,
}
