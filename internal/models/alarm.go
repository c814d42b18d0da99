package models

import (
	"time"

	"bedside-monitor/internal/bus"
)

// AlarmKindMultipleVitals 两个脉率指标同时超出范围
const AlarmKindMultipleVitals = "MultipleVitalsOutOfRange"

// Alarm 病人报警（Alarm topic，key = PatientID）
// Readings[0] 为血氧仪脉率，Readings[1] 为心电脉率
type Alarm struct {
	PatientID int32            `json:"patientId"`
	AlarmID   string           `json:"alarmId"`
	Kind      string           `json:"kind"`
	Readings  [2]DeviceReading `json:"readings"`
	RaisedAt  time.Time        `json:"raisedAt"`
}

// AlarmType Alarm topic 的类型
var AlarmType = bus.TopicType[Alarm, int32]{
	Name:  "ice::Alarm",
	KeyOf: func(a Alarm) int32 { return a.PatientID },
	Keys:  bus.Int32Keys,
}
