package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig
	RabbitMQ     RabbitMQConfig
	Redis        RedisConfig
	Auth         AuthConfig
	WebSocket    WebSocketConfig
	Notification NotificationConfig
	MockServices bool `mapstructure:"mock_services"`
}

type ServerConfig struct {
	Port    string
	Timeout time.Duration
}

type RabbitMQConfig struct {
	URL         string
	PushQueue   string `mapstructure:"push_queue"`
	EmailQueue  string `mapstructure:"email_queue"`
	SMSQueue    string `mapstructure:"sms_queue"`
	FailedQueue string `mapstructure:"failed_queue"`
	Exchange    string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type WebSocketConfig struct {
	MaxConnectionsPerUser int           `mapstructure:"max_connections_per_user"`
	MaxMessageBytes       int           `mapstructure:"max_message_bytes"`
	RateLimitPerMinute    int           `mapstructure:"rate_limit_per_minute"`
	IdleTimeout           time.Duration `mapstructure:"idle_timeout"`
	HeartbeatInterval     time.Duration `mapstructure:"heartbeat_interval"`
	ReapInterval          time.Duration `mapstructure:"reap_interval"`
}

type NotificationConfig struct {
	CriticalPatterns []string      `mapstructure:"critical_patterns"`
	EscalationDelay  time.Duration `mapstructure:"escalation_delay"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	MaxRetries       int           `mapstructure:"max_retries"`
	ExpirySweep      time.Duration `mapstructure:"expiry_sweep"`
	DefaultTTL       time.Duration `mapstructure:"default_ttl"`
	EmergencyTTL     time.Duration `mapstructure:"emergency_ttl"`
}

func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Set defaults
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.timeout", "10s")
	viper.SetDefault("rabbitmq.exchange", "alerts.direct")
	viper.SetDefault("rabbitmq.push_queue", "push.queue")
	viper.SetDefault("rabbitmq.email_queue", "email.queue")
	viper.SetDefault("rabbitmq.sms_queue", "sms.queue")
	viper.SetDefault("rabbitmq.failed_queue", "failed.queue")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("websocket.max_connections_per_user", 5)
	viper.SetDefault("websocket.max_message_bytes", 65536)
	viper.SetDefault("websocket.rate_limit_per_minute", 120)
	viper.SetDefault("websocket.idle_timeout", "300s")
	viper.SetDefault("websocket.heartbeat_interval", "30s")
	viper.SetDefault("websocket.reap_interval", "60s")
	viper.SetDefault("notification.critical_patterns", []string{
		"pii_exposure", "explicit_content", "self_harm", "predatory_contact",
	})
	viper.SetDefault("notification.escalation_delay", "5m")
	viper.SetDefault("notification.retry_delay", "30s")
	viper.SetDefault("notification.max_retries", 1)
	viper.SetDefault("notification.expiry_sweep", "1m")
	viper.SetDefault("notification.default_ttl", "24h")
	viper.SetDefault("notification.emergency_ttl", "72h")

	// Read from environment
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, use environment variables
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
