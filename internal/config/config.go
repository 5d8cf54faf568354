package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Payment  PaymentConfig  `mapstructure:"payment"`
	Keys     KeysConfig     `mapstructure:"keys"`
	Billing  BillingConfig  `mapstructure:"billing"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"` // 服务间共享密钥，所有受保护接口都要校验
	Mode   string `mapstructure:"mode"`    // gin 模式: debug / release / test
	// WorkerID 雪花算法机器ID，多实例部署时必须互不相同
	WorkerID int64 `mapstructure:"worker_id"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	LedgerEvents string `mapstructure:"ledger_events"`
}

// PaymentConfig 支付渠道（Stripe）配置
type PaymentConfig struct {
	Provider   string `mapstructure:"provider"`
	Currency   string `mapstructure:"currency"`
	SuccessURL string `mapstructure:"success_url"`
	CancelURL  string `mapstructure:"cancel_url"`
	// APIBaseURL 为空时使用 Stripe 官方地址，测试环境可指向 stripe-mock
	APIBaseURL string `mapstructure:"api_base_url"`
}

// KeysConfig 渠道密钥，按 provider 名称索引
//
//	platform: 平台级密钥
//	apps:     应用级密钥  apps[appID][provider]
//	orgs:     客户自带密钥（BYOK） orgs[orgID][provider]
type KeysConfig struct {
	Platform map[string]string            `mapstructure:"platform"`
	Apps     map[string]map[string]string `mapstructure:"apps"`
	Orgs     map[string]map[string]string `mapstructure:"orgs"`
}

type BillingConfig struct {
	TrialCreditCents       int64  `mapstructure:"trial_credit_cents"`
	ReloadThresholdCents   int64  `mapstructure:"reload_threshold_cents"`
	MinReloadAmountCents   int64  `mapstructure:"min_reload_amount_cents"`
	QueueSize              int    `mapstructure:"queue_size"`
	Workers                int    `mapstructure:"workers"`
	TaskTimeoutSeconds     int    `mapstructure:"task_timeout_seconds"`
	SweepIntervalSeconds   int    `mapstructure:"sweep_interval_seconds"`
	ReloadLockSeconds      int    `mapstructure:"reload_lock_seconds"`
	WebhookSecretsProvider string `mapstructure:"webhook_secrets_provider"`
}

type BusinessConfig struct {
	MaxRetryCount int `mapstructure:"max_retry_count"`
}

var GlobalConfig *Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.worker_id", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("kafka.topic.ledger_events", "ledger_events")
	v.SetDefault("payment.provider", "stripe")
	v.SetDefault("payment.currency", "usd")
	v.SetDefault("billing.trial_credit_cents", 500)
	v.SetDefault("billing.reload_threshold_cents", 200)
	v.SetDefault("billing.min_reload_amount_cents", 500)
	v.SetDefault("billing.queue_size", 1024)
	v.SetDefault("billing.workers", 4)
	v.SetDefault("billing.task_timeout_seconds", 30)
	v.SetDefault("billing.sweep_interval_seconds", 60)
	v.SetDefault("billing.reload_lock_seconds", 60)
	v.SetDefault("billing.webhook_secrets_provider", "stripe_webhook")
	v.SetDefault("business.max_retry_count", 5)
}

// LoadConfig 加载配置文件，环境变量 LEDGER_* 可覆盖同名配置项
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("ledger")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	GlobalConfig = config
	return config, nil
}

// Validate 校验启动必需的配置
func (c *Config) Validate() error {
	if c.Server.APIKey == "" {
		return fmt.Errorf("server.api_key 不能为空")
	}
	if c.Billing.ReloadThresholdCents < 0 {
		return fmt.Errorf("billing.reload_threshold_cents 不能为负数")
	}
	if c.Billing.TrialCreditCents < 0 {
		return fmt.Errorf("billing.trial_credit_cents 不能为负数")
	}
	if c.Billing.Workers <= 0 || c.Billing.QueueSize <= 0 {
		return fmt.Errorf("billing.workers 和 billing.queue_size 必须大于0")
	}
	return nil
}
