package display

import (
	"fmt"
	"strconv"
	"strings"

	"bedside-monitor/internal/models"
)

// FormatAlarm 报警的多行文本表示：病人、类型，以及每个触发读数的设备和数值
func FormatAlarm(a models.Alarm) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Patient: %d\n", a.PatientID)
	fmt.Fprintf(&b, "Alarm: %s (%s)\n", a.Kind, a.AlarmID)
	for _, r := range a.Readings {
		fmt.Fprintf(&b, "  %s DeviceID: %s Value: %s\n", r.MetricID, r.DeviceID, formatValue(r.Value))
	}
	return b.String()
}

// FormatRetraction 报警撤回的文本表示
func FormatRetraction(patientID int32) string {
	return fmt.Sprintf("Patient: %d\nAlarm cleared\n", patientID)
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
