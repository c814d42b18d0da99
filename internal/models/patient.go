package models

import "bedside-monitor/internal/bus"

// PatientDeviceMapping 设备-病人映射（DevicePatientMapping topic，key = DeviceID）
type PatientDeviceMapping struct {
	DeviceID  string `json:"deviceId" db:"device_id"`
	PatientID int32  `json:"patientId" db:"patient_id"`
}

// PatientDeviceMappingType DevicePatientMapping topic 的类型
var PatientDeviceMappingType = bus.TopicType[PatientDeviceMapping, string]{
	Name:  "ice::DevicePatientMapping",
	KeyOf: func(m PatientDeviceMapping) string { return m.DeviceID },
	Keys:  bus.StringKeys,
}
