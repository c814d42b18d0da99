package roster

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"bedside-monitor/internal/models"

	"github.com/xuri/excelize/v2"
)

// 表头（不区分大小写）
var (
	deviceIDHeaders  = []string{"device id", "device_id", "deviceid"}
	patientIDHeaders = []string{"patient id", "patient_id", "patientid"}
)

// XLSXSource 从 Excel 文件读取名册，首行为表头
type XLSXSource struct {
	path  string
	sheet string
}

// NewXLSXSource 创建 xlsx 名册来源；sheet 不存在时读取第一个工作表
func NewXLSXSource(path, sheet string) *XLSXSource {
	return &XLSXSource{path: path, sheet: sheet}
}

// Load 实现 Source
func (s *XLSXSource) Load(context.Context) ([]models.PatientDeviceMapping, error) {
	f, err := excelize.OpenFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open roster file %s: %w", s.path, err)
	}
	defer f.Close()

	sheet := s.sheet
	if sheet == "" || indexOf(f.GetSheetList(), sheet) < 0 {
		sheet = f.GetSheetName(0)
	}
	if sheet == "" {
		return nil, fmt.Errorf("roster file %s has no sheets", s.path)
	}

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	mappings, err := parseRows(rows)
	if err != nil {
		return nil, fmt.Errorf("%s[%s]: %w", s.path, sheet, err)
	}
	return validate(mappings)
}

// Close 实现 Source
func (s *XLSXSource) Close() error { return nil }

func parseRows(rows [][]string) ([]models.PatientDeviceMapping, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("missing header row")
	}

	deviceCol, patientCol := -1, -1
	for i, h := range rows[0] {
		h = strings.ToLower(strings.TrimSpace(h))
		if indexOf(deviceIDHeaders, h) >= 0 {
			deviceCol = i
		}
		if indexOf(patientIDHeaders, h) >= 0 {
			patientCol = i
		}
	}
	if deviceCol < 0 || patientCol < 0 {
		return nil, fmt.Errorf("header must contain Device ID and Patient ID columns")
	}

	mappings := make([]models.PatientDeviceMapping, 0, len(rows)-1)
	for rowIdx := 1; rowIdx < len(rows); rowIdx++ {
		row := rows[rowIdx]
		device := cell(row, deviceCol)
		patient := cell(row, patientCol)
		if device == "" && patient == "" {
			continue
		}
		pid, err := strconv.ParseInt(patient, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid patient id %q", rowIdx+1, patient)
		}
		mappings = append(mappings, models.PatientDeviceMapping{DeviceID: device, PatientID: int32(pid)})
	}
	return mappings, nil
}

func cell(row []string, col int) string {
	if col < len(row) {
		return strings.TrimSpace(row[col])
	}
	return ""
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}
