package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	ServerPort      string
	Debug           bool
	ShutdownTimeout time.Duration

	// Store
	StoreURL      string
	Retention     time.Duration
	PurgeInterval time.Duration

	// 缓存与过滤
	CacheDuration  time.Duration
	MinDistanceDeg float64
	MinInterval    time.Duration

	// 车队白名单：FleetStart 起连续 FleetSize 辆
	FleetStart int
	FleetSize  int

	// 广播
	CompressionLevel  int
	WSSendBuffer      int
	WSPingInterval    time.Duration
	WSMaxMessageBytes int64

	// 查询接口限流，RateLimitPerWindow 为 0 时关闭
	RateLimitPerWindow int
	RateLimitWindow    time.Duration
}

func Load() (*Config, error) {
	// 尝试加载 .env 文件（可选）
	_ = godotenv.Load()

	cfg := &Config{
		ServerPort:         getEnv("PORT", "4000"),
		Debug:              getEnvBool("DEBUG", false),
		ShutdownTimeout:    getEnvDuration("SHUTDOWN_TIMEOUT", 5*time.Second),
		StoreURL:           getEnv("STORE_URL", "mongodb://localhost:27017/busTracking"),
		Retention:          getEnvDuration("RETENTION", 24*time.Hour),
		PurgeInterval:      getEnvDuration("PURGE_INTERVAL", time.Minute),
		CacheDuration:      getEnvDuration("CACHE_DURATION", 5*time.Second),
		MinDistanceDeg:     getEnvFloat("MIN_DISTANCE_DEG", 0.0001),
		MinInterval:        getEnvDuration("MIN_INTERVAL", 5*time.Second),
		FleetStart:         getEnvInt("FLEET_START", 101),
		FleetSize:          getEnvInt("FLEET_SIZE", 10),
		CompressionLevel:   getEnvInt("COMPRESSION_LEVEL", 3),
		WSSendBuffer:       getEnvInt("WS_SEND_BUFFER", 16),
		WSPingInterval:     getEnvDuration("WS_PING_INTERVAL", 30*time.Second),
		WSMaxMessageBytes:  int64(getEnvInt("WS_MAX_MESSAGE_BYTES", 10*1024)),
		RateLimitPerWindow: getEnvInt("RATE_LIMIT_PER_WINDOW", 120),
		RateLimitWindow:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.StoreURL == "" {
		return errors.New("STORE_URL is required")
	}
	if cfg.ServerPort == "" {
		return errors.New("PORT is required")
	}
	if cfg.FleetSize <= 0 {
		return fmt.Errorf("FLEET_SIZE must be positive, got %d", cfg.FleetSize)
	}
	if cfg.MinDistanceDeg <= 0 {
		return fmt.Errorf("MIN_DISTANCE_DEG must be positive, got %v", cfg.MinDistanceDeg)
	}
	// -1 为 zlib 默认级别，0 为不压缩
	if cfg.CompressionLevel < -1 || cfg.CompressionLevel > 9 {
		return fmt.Errorf("COMPRESSION_LEVEL must be within [-1, 9], got %d", cfg.CompressionLevel)
	}
	if cfg.WSSendBuffer <= 0 {
		return fmt.Errorf("WS_SEND_BUFFER must be positive, got %d", cfg.WSSendBuffer)
	}
	if cfg.WSMaxMessageBytes <= 0 {
		return fmt.Errorf("WS_MAX_MESSAGE_BYTES must be positive, got %d", cfg.WSMaxMessageBytes)
	}
	if cfg.RateLimitPerWindow < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_WINDOW must not be negative, got %d", cfg.RateLimitPerWindow)
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"RETENTION", cfg.Retention},
		{"PURGE_INTERVAL", cfg.PurgeInterval},
		{"CACHE_DURATION", cfg.CacheDuration},
		{"MIN_INTERVAL", cfg.MinInterval},
		{"WS_PING_INTERVAL", cfg.WSPingInterval},
		{"SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.value)
		}
	}
	if cfg.RateLimitPerWindow > 0 && cfg.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive, got %s", cfg.RateLimitWindow)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}

// PingerConfig 上报模拟器配置
type PingerConfig struct {
	Debug          bool
	URL            string
	BusID          string
	Interval       time.Duration
	ReconnectDelay time.Duration
	Latitude       float64
	Longitude      float64
	Step           float64
	Status         string
	Issue          string
}

func LoadPinger() (*PingerConfig, error) {
	_ = godotenv.Load()

	cfg := &PingerConfig{
		Debug:          getEnvBool("DEBUG", false),
		URL:            getEnv("PINGER_URL", "ws://localhost:4000/ws/report"),
		BusID:          getEnv("PINGER_BUS_ID", "101"),
		Interval:       getEnvDuration("PINGER_INTERVAL", 10*time.Second),
		ReconnectDelay: getEnvDuration("PINGER_RECONNECT_DELAY", 5*time.Second),
		Latitude:       getEnvFloat("PINGER_LATITUDE", 28.6139),
		Longitude:      getEnvFloat("PINGER_LONGITUDE", 77.2090),
		Step:           getEnvFloat("PINGER_STEP_DEG", 0.0005),
		Status:         getEnv("PINGER_STATUS", "enroute"),
		Issue:          getEnv("PINGER_ISSUE", ""),
	}

	if cfg.URL == "" || cfg.BusID == "" {
		return nil, errors.New("PINGER_URL and PINGER_BUS_ID are required")
	}
	if cfg.Interval <= 0 || cfg.ReconnectDelay <= 0 {
		return nil, errors.New("PINGER_INTERVAL and PINGER_RECONNECT_DELAY must be positive")
	}
	if cfg.Status != "enroute" && cfg.Status != "stopped" {
		return nil, fmt.Errorf("PINGER_STATUS must be enroute or stopped, got %q", cfg.Status)
	}
	return cfg, nil
}
