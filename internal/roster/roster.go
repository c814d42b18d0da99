// Package roster 设备-病人映射名册：内置名册、xlsx 文件或 PostgreSQL 表
// patient-devices 进程加载名册并作为 DevicePatientMapping 状态数据发布
package roster

import (
	"context"
	"errors"
	"fmt"

	"bedside-monitor/internal/config"
	"bedside-monitor/internal/database"
	"bedside-monitor/internal/metrics"
	"bedside-monitor/internal/models"

	"go.uber.org/zap"
)

// 名册来源
const (
	SourceBuiltin  = "builtin"
	SourceXLSX     = "xlsx"
	SourcePostgres = "postgres"
)

// Source 名册来源
type Source interface {
	Load(ctx context.Context) ([]models.PatientDeviceMapping, error)
	Close() error
}

// Publisher 映射写者
type Publisher interface {
	Publish(ctx context.Context, m models.PatientDeviceMapping) error
}

// builtinRoster 两名病人，各一台血氧仪和一台心电监护仪
var builtinRoster = []models.PatientDeviceMapping{
	{DeviceID: "o1sZLTxWBSlXPNPyvvK38UggdauMx4lbp9xE", PatientID: 1},
	{DeviceID: "gMz6b4SUv4qhOt70ZpF3qMuGTundJ6HPztOz", PatientID: 1},
	{DeviceID: "v6a29kIQPqjvp25N8TANEWYtfvH16d3u4sdD", PatientID: 2},
	{DeviceID: "B1SLmfV20qnJautN7ObxmSNVIOum8dipICcZ", PatientID: 2},
}

// Static 固定名册
type Static []models.PatientDeviceMapping

// Builtin 内置名册
func Builtin() Static {
	out := make(Static, len(builtinRoster))
	copy(out, builtinRoster)
	return out
}

// Load 实现 Source
func (s Static) Load(context.Context) ([]models.PatientDeviceMapping, error) {
	return validate(s)
}

// Close 实现 Source
func (s Static) Close() error { return nil }

// Open 按 cfg.Roster.Source 打开名册来源
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Source, error) {
	switch cfg.Roster.Source {
	case SourceBuiltin, "":
		return Builtin(), nil
	case SourceXLSX:
		if cfg.Roster.File == "" {
			return nil, errors.New("roster file is required for xlsx source")
		}
		return NewXLSXSource(cfg.Roster.File, cfg.Roster.Sheet), nil
	case SourcePostgres:
		db, err := database.NewPostgresDB(ctx, &cfg.Database)
		if err != nil {
			return nil, err
		}
		return NewPostgresSource(db, logger), nil
	default:
		return nil, fmt.Errorf("unknown roster source %q", cfg.Roster.Source)
	}
}

// validate 拒绝空设备 ID 和重复设备（同一设备只能属于一名病人）
func validate(mappings []models.PatientDeviceMapping) ([]models.PatientDeviceMapping, error) {
	seen := make(map[string]int32, len(mappings))
	out := make([]models.PatientDeviceMapping, 0, len(mappings))
	for i, m := range mappings {
		if m.DeviceID == "" {
			return nil, fmt.Errorf("roster entry %d: empty device id", i+1)
		}
		if pid, ok := seen[m.DeviceID]; ok {
			if pid != m.PatientID {
				return nil, fmt.Errorf("roster entry %d: device %s mapped to patients %d and %d", i+1, m.DeviceID, pid, m.PatientID)
			}
			continue
		}
		seen[m.DeviceID] = m.PatientID
		out = append(out, m)
	}
	return out, nil
}

// PublishAll 发布全部映射，返回成功发布的数量
func PublishAll(ctx context.Context, w Publisher, mappings []models.PatientDeviceMapping, logger *zap.Logger) (int, error) {
	published := 0
	for _, m := range mappings {
		if err := w.Publish(ctx, m); err != nil {
			return published, fmt.Errorf("failed to publish mapping for device %s: %w", m.DeviceID, err)
		}
		published++
		metrics.SamplesPublished.WithLabelValues(models.TopicDevicePatientMapping).Inc()
		logger.Debug("Device mapping published",
			zap.String("device_id", m.DeviceID),
			zap.Int32("patient_id", m.PatientID),
		)
	}
	logger.Info("Roster published", zap.Int("mappings", published))
	return published, nil
}

// DevicesByPatient 按病人分组的设备 ID
func DevicesByPatient(mappings []models.PatientDeviceMapping) map[int32][]string {
	out := make(map[int32][]string)
	for _, m := range mappings {
		out[m.PatientID] = append(out[m.PatientID], m.DeviceID)
	}
	return out
}
