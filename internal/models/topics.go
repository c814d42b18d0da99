package models

// Topic 名称
const (
	TopicNumeric              = "Numeric"
	TopicDevicePatientMapping = "DevicePatientMapping"
	TopicAlarm                = "Alarm"
)

// SlotOf 返回指标对应的缓存槽位；不监测的指标返回 false
func SlotOf(metricID string) (int, bool) {
	switch metricID {
	case MetricPulseOximeterPulseRate:
		return 0, true
	case MetricECGPulseRate:
		return 1, true
	default:
		return 0, false
	}
}
