package roster

import (
	"context"
	"database/sql"
	"fmt"

	"bedside-monitor/internal/models"

	"go.uber.org/zap"
)

// PostgresSource 从 device_patient_mapping 表读取名册
type PostgresSource struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresSource 创建 PostgreSQL 名册来源，Close 时关闭 db
func NewPostgresSource(db *sql.DB, logger *zap.Logger) *PostgresSource {
	return &PostgresSource{db: db, logger: logger}
}

// Load 实现 Source
func (s *PostgresSource) Load(ctx context.Context) ([]models.PatientDeviceMapping, error) {
	query := `
		SELECT device_id, patient_id
		FROM device_patient_mapping
		WHERE active = TRUE
		ORDER BY patient_id, device_id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query device mappings: %w", err)
	}
	defer rows.Close()

	var mappings []models.PatientDeviceMapping
	for rows.Next() {
		var m models.PatientDeviceMapping
		if err := rows.Scan(&m.DeviceID, &m.PatientID); err != nil {
			return nil, fmt.Errorf("failed to scan device mapping: %w", err)
		}
		mappings = append(mappings, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate device mappings: %w", err)
	}

	s.logger.Info("Loaded device mappings from database", zap.Int("count", len(mappings)))
	return validate(mappings)
}

// Close 实现 Source
func (s *PostgresSource) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
