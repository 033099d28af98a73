package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL      string   `mapstructure:"REDIS_URL"`
	KafkaBrokers  []string `mapstructure:"KAFKA_BROKERS"`
	ConsumerGroup string   `mapstructure:"KAFKA_CONSUMER_GROUP"`
	RowTopic      string   `mapstructure:"KAFKA_ROW_TOPIC"`
	OutcomeTopic  string   `mapstructure:"KAFKA_OUTCOME_TOPIC"`
	FileTopic     string   `mapstructure:"KAFKA_FILE_TOPIC"`
	BlobRoot      string   `mapstructure:"BLOB_ROOT"`
	AuditTTLDays  int      `mapstructure:"AUDIT_TTL_DAYS"`
	JWTSecret     string   `mapstructure:"JWT_SECRET"`
	DevSupplier   string   `mapstructure:"DEV_SUPPLIER"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_CONSUMER_GROUP", "veds-batch")
	v.SetDefault("KAFKA_ROW_TOPIC", "imms-batch-rows")
	v.SetDefault("KAFKA_OUTCOME_TOPIC", "imms-batch-outcomes")
	v.SetDefault("KAFKA_FILE_TOPIC", "imms-batch-files")
	v.SetDefault("BLOB_ROOT", "./data")
	v.SetDefault("AUDIT_TTL_DAYS", 30)
	v.SetDefault("DEV_SUPPLIER", "DEVSUPPLIER")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("REDIS_URL")
	v.BindEnv("KAFKA_BROKERS")
	v.BindEnv("KAFKA_CONSUMER_GROUP")
	v.BindEnv("KAFKA_ROW_TOPIC")
	v.BindEnv("KAFKA_OUTCOME_TOPIC")
	v.BindEnv("KAFKA_FILE_TOPIC")
	v.BindEnv("BLOB_ROOT")
	v.BindEnv("AUDIT_TTL_DAYS")
	v.BindEnv("JWT_SECRET")
	v.BindEnv("DEV_SUPPLIER")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.KafkaBrokers) <= 1 {
		brokers := v.GetString("KAFKA_BROKERS")
		if brokers != "" {
			cfg.KafkaBrokers = strings.Split(brokers, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to run. Outside development
// mode JWT_SECRET must be set so supplier identity is actually verified.
func (c *Config) Validate() error {
	if !c.IsDev() && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required when ENV=%q", c.Env)
	}
	if c.AuditTTLDays <= 0 {
		return fmt.Errorf("AUDIT_TTL_DAYS must be positive, got %d", c.AuditTTLDays)
	}
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required")
	}
	return nil
}
