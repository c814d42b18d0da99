package network

import (
	"context"
	"errors"

	"bedside-monitor/internal/bus"
	"bedside-monitor/internal/config"
	"bedside-monitor/internal/models"

	"go.uber.org/zap"
)

// NumericReader 设备读数读者
type NumericReader = bus.Reader[models.DeviceReading, string]

// NumericWriter 设备读数写者
type NumericWriter = bus.Writer[models.DeviceReading, string]

// MappingReader 设备-病人映射读者
type MappingReader = bus.Reader[models.PatientDeviceMapping, string]

// MappingWriter 设备-病人映射写者
type MappingWriter = bus.Writer[models.PatientDeviceMapping, string]

// AlarmReader 报警读者
type AlarmReader = bus.Reader[models.Alarm, int32]

// AlarmWriter 报警写者
type AlarmWriter = bus.Writer[models.Alarm, int32]

// NewCommunicator 使用配置中的域和 QoS 库创建通信器
func NewCommunicator(ctx context.Context, cfg *config.Config, dial bus.Dialer, logger *zap.Logger) (*bus.Communicator, error) {
	return bus.NewCommunicator(ctx, bus.CommunicatorConfig{
		DomainID:       cfg.Bus.DomainID,
		QoSLibrary:     cfg.Bus.QoSLibrary,
		ProfileSources: cfg.Bus.ProfileSources,
		Multicast:      cfg.Bus.Multicast,
		Dial:           dial,
	}, logger)
}

// SupervisorEndpoints 关联引擎的通信器与读写者
type SupervisorEndpoints struct {
	Comm     *bus.Communicator
	Numeric  *NumericReader
	Patients *MappingReader
	Alarms   *AlarmWriter
}

// OpenSupervisor 创建 Numeric 读者、DevicePatientMapping 读者和 Alarm 写者
// 任一步失败时关闭已创建的通信器
func OpenSupervisor(ctx context.Context, cfg *config.Config, dial bus.Dialer, logger *zap.Logger) (*SupervisorEndpoints, error) {
	comm, err := NewCommunicator(ctx, cfg, dial, logger)
	if err != nil {
		return nil, err
	}
	ep, err := openSupervisor(ctx, comm)
	if err != nil {
		return nil, errors.Join(err, comm.Close())
	}
	return ep, nil
}

func openSupervisor(ctx context.Context, comm *bus.Communicator) (*SupervisorEndpoints, error) {
	sub, err := comm.CreateSubscriber()
	if err != nil {
		return nil, err
	}
	pub, err := comm.CreatePublisher()
	if err != nil {
		return nil, err
	}
	numeric, err := bus.NewReader(ctx, sub, models.NumericType, models.TopicNumeric, bus.ProfileStreaming)
	if err != nil {
		return nil, err
	}
	patients, err := bus.NewReader(ctx, sub, models.PatientDeviceMappingType, models.TopicDevicePatientMapping, bus.ProfilePatientDevices)
	if err != nil {
		return nil, err
	}
	alarms, err := bus.NewWriter(pub, models.AlarmType, models.TopicAlarm, bus.ProfileAlarm)
	if err != nil {
		return nil, err
	}
	return &SupervisorEndpoints{Comm: comm, Numeric: numeric, Patients: patients, Alarms: alarms}, nil
}

// OpenMappingWriter 创建 DevicePatientMapping 写者（patient-devices）
func OpenMappingWriter(ctx context.Context, cfg *config.Config, dial bus.Dialer, logger *zap.Logger) (*bus.Communicator, *MappingWriter, error) {
	comm, err := NewCommunicator(ctx, cfg, dial, logger)
	if err != nil {
		return nil, nil, err
	}
	pub, err := comm.CreatePublisher()
	if err != nil {
		return nil, nil, errors.Join(err, comm.Close())
	}
	w, err := bus.NewWriter(pub, models.PatientDeviceMappingType, models.TopicDevicePatientMapping, bus.ProfilePatientDevices)
	if err != nil {
		return nil, nil, errors.Join(err, comm.Close())
	}
	return comm, w, nil
}

// OpenNumericWriter 创建 Numeric 写者（device-simulator）
func OpenNumericWriter(ctx context.Context, cfg *config.Config, dial bus.Dialer, logger *zap.Logger) (*bus.Communicator, *NumericWriter, error) {
	comm, err := NewCommunicator(ctx, cfg, dial, logger)
	if err != nil {
		return nil, nil, err
	}
	pub, err := comm.CreatePublisher()
	if err != nil {
		return nil, nil, errors.Join(err, comm.Close())
	}
	w, err := bus.NewWriter(pub, models.NumericType, models.TopicNumeric, bus.ProfileStreaming)
	if err != nil {
		return nil, nil, errors.Join(err, comm.Close())
	}
	return comm, w, nil
}

// OpenAlarmReader 创建 Alarm 读者（alarm-display）
func OpenAlarmReader(ctx context.Context, cfg *config.Config, dial bus.Dialer, logger *zap.Logger) (*bus.Communicator, *AlarmReader, error) {
	comm, err := NewCommunicator(ctx, cfg, dial, logger)
	if err != nil {
		return nil, nil, err
	}
	sub, err := comm.CreateSubscriber()
	if err != nil {
		return nil, nil, errors.Join(err, comm.Close())
	}
	r, err := bus.NewReader(ctx, sub, models.AlarmType, models.TopicAlarm, bus.ProfileAlarm)
	if err != nil {
		return nil, nil, errors.Join(err, comm.Close())
	}
	return comm, r, nil
}
