package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// 传输类型
const (
	TransportLocal = "local"
	TransportRedis = "redis"
	TransportMQTT  = "mqtt"
	TransportNATS  = "nats"
	TransportKafka = "kafka"
)

// Config 床旁监护系统配置（supervisor / patient-devices / alarm-display / device-simulator 共用）
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig
	NATS     NATSConfig
	Kafka    KafkaConfig

	// 数据总线配置
	Bus struct {
		Transport      string   // local / redis / mqtt / nats / kafka
		DomainID       int      // 域 ID，不同域之间互不可见
		QoSLibrary     string   // QoS profile 库名
		ProfileSources []string // 额外的 QoS profile 文件（file:// 或本地路径），后加载的覆盖先加载的
		Multicast      bool     // false 时使用 participant_no_multicast profile
	}

	// 关联引擎配置
	Supervisor struct {
		WaitTimeout       time.Duration // 单次等待超时，默认 1 秒
		Threshold         float64       // 报警阈值（严格大于），默认 100
		RetractOnClear    bool          // 条件不再成立时撤回报警
		EvictOnDeviceLoss bool          // 设备下线时清除其缓存槽位
	}

	HTTP struct {
		Addr string // 管理接口地址（/health, /metrics, /alarms），为空则不启动
	}

	// 设备-病人映射来源
	Roster struct {
		Source string // builtin / xlsx / postgres
		File   string // xlsx 文件路径
		Sheet  string // xlsx 工作表名
	}

	// 报警显示配置
	Display struct {
		WaitTimeout time.Duration // 默认 5 秒
		WebhookURL  string        // 非空时将报警转发到该地址
	}

	// 设备模拟器配置
	Simulator struct {
		Period     time.Duration
		HighValues bool // true 时生成超出阈值的读数
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Bus.Transport = getEnv("BUS_TRANSPORT", TransportRedis)
	cfg.Bus.QoSLibrary = getEnv("QOS_LIBRARY", "ice_library")
	cfg.Bus.ProfileSources = splitList(getEnv("QOS_PROFILE_SOURCES", ""))

	var err error
	if cfg.Bus.DomainID, err = getEnvInt("BUS_DOMAIN_ID", 5); err != nil {
		return nil, err
	}
	if cfg.Bus.Multicast, err = getEnvBool("BUS_MULTICAST", true); err != nil {
		return nil, err
	}

	switch cfg.Bus.Transport {
	case TransportLocal, TransportRedis, TransportMQTT, TransportNATS, TransportKafka:
	default:
		return nil, fmt.Errorf("invalid BUS_TRANSPORT %q", cfg.Bus.Transport)
	}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = 5432
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "ice")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = 0
	cfg.Redis.StreamMaxLen = 10000
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.NATS.URL = getEnv("NATS_URL", "nats://localhost:4222")
	cfg.NATS.LoadFromEnv("NATS")

	cfg.Kafka.Brokers = []string{"localhost:9092"}
	cfg.Kafka.LoadFromEnv("KAFKA")

	if cfg.Supervisor.WaitTimeout, err = getEnvDuration("SUPERVISOR_WAIT_TIMEOUT", time.Second); err != nil {
		return nil, err
	}
	if cfg.Supervisor.Threshold, err = getEnvFloat("SUPERVISOR_THRESHOLD", 100); err != nil {
		return nil, err
	}
	if cfg.Supervisor.RetractOnClear, err = getEnvBool("SUPERVISOR_RETRACT_ON_CLEAR", true); err != nil {
		return nil, err
	}
	if cfg.Supervisor.EvictOnDeviceLoss, err = getEnvBool("SUPERVISOR_EVICT_ON_DEVICE_LOSS", true); err != nil {
		return nil, err
	}

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")

	cfg.Roster.Source = getEnv("ROSTER_SOURCE", "builtin")
	cfg.Roster.File = getEnv("ROSTER_FILE", "")
	cfg.Roster.Sheet = getEnv("ROSTER_SHEET", "Sheet1")

	if cfg.Display.WaitTimeout, err = getEnvDuration("DISPLAY_WAIT_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	cfg.Display.WebhookURL = getEnv("DISPLAY_WEBHOOK_URL", "")

	if cfg.Simulator.Period, err = getEnvDuration("SIMULATOR_PERIOD", time.Second); err != nil {
		return nil, err
	}
	if cfg.Simulator.HighValues, err = getEnvBool("SIMULATOR_HIGH_VALUES", false); err != nil {
		return nil, err
	}

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
