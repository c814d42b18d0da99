package config

import (
	"bytes"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	// 清除环境变量
	os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	// 验证默认值
	assert.Equal(t, TransportRedis, cfg.Bus.Transport)
	assert.Equal(t, 5, cfg.Bus.DomainID)
	assert.Equal(t, "ice_library", cfg.Bus.QoSLibrary)
	assert.Empty(t, cfg.Bus.ProfileSources)
	assert.True(t, cfg.Bus.Multicast)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "ice", cfg.Database.Database)
	assert.Equal(t, "disable", cfg.Database.SSLMode)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, int64(10000), cfg.Redis.StreamMaxLen)
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)

	assert.Equal(t, time.Second, cfg.Supervisor.WaitTimeout)
	assert.Equal(t, 100.0, cfg.Supervisor.Threshold)
	assert.True(t, cfg.Supervisor.RetractOnClear)
	assert.True(t, cfg.Supervisor.EvictOnDeviceLoss)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "builtin", cfg.Roster.Source)
	assert.Equal(t, 5*time.Second, cfg.Display.WaitTimeout)
	assert.Equal(t, time.Second, cfg.Simulator.Period)
	assert.False(t, cfg.Simulator.HighValues)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	os.Clearenv()
	t.Setenv("BUS_TRANSPORT", "nats")
	t.Setenv("BUS_DOMAIN_ID", "7")
	t.Setenv("BUS_MULTICAST", "false")
	t.Setenv("QOS_PROFILE_SOURCES", "file:///etc/ice/qos.yaml, ./local.yaml")
	t.Setenv("REDIS_ADDR", "test-redis:6380")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("SUPERVISOR_THRESHOLD", "120.5")
	t.Setenv("SUPERVISOR_RETRACT_ON_CLEAR", "false")
	t.Setenv("SUPERVISOR_WAIT_TIMEOUT", "250ms")
	t.Setenv("DB_MAX_CONNS", "4")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, TransportNATS, cfg.Bus.Transport)
	assert.Equal(t, 7, cfg.Bus.DomainID)
	assert.False(t, cfg.Bus.Multicast)
	assert.Equal(t, []string{"file:///etc/ice/qos.yaml", "./local.yaml"}, cfg.Bus.ProfileSources)
	assert.Equal(t, "test-redis:6380", cfg.Redis.Addr)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 120.5, cfg.Supervisor.Threshold)
	assert.False(t, cfg.Supervisor.RetractOnClear)
	assert.Equal(t, 250*time.Millisecond, cfg.Supervisor.WaitTimeout)
	assert.Equal(t, 4, cfg.Database.MaxConns)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"unknown transport", "BUS_TRANSPORT", "carrier-pigeon"},
		{"domain not a number", "BUS_DOMAIN_ID", "five"},
		{"bad bool", "BUS_MULTICAST", "maybe"},
		{"bad duration", "SUPERVISOR_WAIT_TIMEOUT", "soon"},
		{"bad threshold", "SUPERVISOR_THRESHOLD", "high"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			t.Setenv(tt.key, tt.val)

			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestGetEnv(t *testing.T) {
	// 测试默认值
	os.Clearenv()
	assert.Equal(t, "default-value", getEnv("TEST_KEY", "default-value"))

	// 测试环境变量值
	t.Setenv("TEST_KEY", "env-value")
	assert.Equal(t, "env-value", getEnv("TEST_KEY", "default-value"))
}

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    Args
		wantErr bool
	}{
		{"no arguments", []string{"supervisor"}, Args{}, false},
		{"no multicast", []string{"supervisor", "--no-multicast"}, Args{NoMulticast: true}, false},
		{"help", []string{"supervisor", "--help"}, Args{Help: true}, false},
		{"both", []string{"supervisor", "--help", "--no-multicast"}, Args{NoMulticast: true, Help: true}, false},
		{"unknown", []string{"supervisor", "--domain"}, Args{}, true},
		{"positional", []string{"supervisor", "5"}, Args{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseArgs(tt.args)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrBadParameter))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestArgsApply(t *testing.T) {
	cfg := &Config{}
	cfg.Bus.Multicast = true

	Args{}.Apply(cfg)
	assert.True(t, cfg.Bus.Multicast)

	Args{NoMulticast: true}.Apply(cfg)
	assert.False(t, cfg.Bus.Multicast)
}

func TestPrintUsage(t *testing.T) {
	var buf bytes.Buffer
	PrintUsage(&buf, "bedside-supervisor")

	assert.Contains(t, buf.String(), "Usage: bedside-supervisor [options]")
	assert.Contains(t, buf.String(), "--no-multicast")
	assert.Contains(t, buf.String(), "--help")
}
