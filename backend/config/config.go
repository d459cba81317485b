package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Redis struct {
		// addr 为空时不启用 Redis presence
		Addr        string        `mapstructure:"addr"`
		Password    string        `mapstructure:"password"`
		PresenceTTL time.Duration `mapstructure:"presenceTTL"`
	} `mapstructure:"redis"`
	Mysql struct {
		// dsn 为空时不归档
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Kafka struct {
		Brokers   []string `mapstructure:"brokers"`
		Topic     string   `mapstructure:"topic"`
		QueueSize int      `mapstructure:"queueSize"`
		Workers   int      `mapstructure:"workers"`
		MaxRetry  int      `mapstructure:"maxRetry"`
	} `mapstructure:"kafka"`
	Auth struct {
		// secret 为空时允许匿名连接
		Secret string `mapstructure:"secret"`
	} `mapstructure:"auth"`
	Transform struct {
		URL           string        `mapstructure:"url"`
		Timeout       time.Duration `mapstructure:"timeout"`
		MaxConcurrent int           `mapstructure:"maxConcurrent"`
	} `mapstructure:"transform"`
	Session struct {
		CleanupInterval   time.Duration `mapstructure:"cleanupInterval"`
		InactivityTimeout time.Duration `mapstructure:"inactivityTimeout"`
		MaxAge            time.Duration `mapstructure:"maxAge"`
		MaxSessions       int           `mapstructure:"maxSessions"`
		ChatHistory       int           `mapstructure:"chatHistory"`
		SnapshotChat      int           `mapstructure:"snapshotChat"`
		HistoryLimit      int           `mapstructure:"historyLimit"`
	} `mapstructure:"session"`
	WS struct {
		AllowedOrigins []string `mapstructure:"allowedOrigins"`
	} `mapstructure:"ws"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8080)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.presenceTTL", 10*time.Minute)
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "doc-ops")
	v.SetDefault("kafka.queueSize", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.maxRetry", 3)
	v.SetDefault("auth.secret", "")
	v.SetDefault("transform.url", "")
	v.SetDefault("transform.timeout", 30*time.Second)
	v.SetDefault("transform.maxConcurrent", 8)
	v.SetDefault("session.cleanupInterval", 60*time.Second)
	v.SetDefault("session.inactivityTimeout", 30*time.Minute)
	v.SetDefault("session.maxAge", 24*time.Hour)
	v.SetDefault("session.maxSessions", 100)
	v.SetDefault("session.chatHistory", 100)
	v.SetDefault("session.snapshotChat", 50)
	v.SetDefault("session.historyLimit", 0)
	v.SetDefault("ws.allowedOrigins", []string{})
}

// Load 读取配置文件。path 为空时按 ./backend/config、./config、. 的顺序找 config.yaml，
// 找不到文件就只用默认值和环境变量。环境变量形如 LIVECOLLAB_REDIS_ADDR。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LIVECOLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		// 兼容从项目根目录或 backend 目录启动
		v.AddConfigPath("./backend/config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
