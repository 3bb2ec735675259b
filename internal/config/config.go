package config

import (
	"log"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Payment  PaymentConfig  `mapstructure:"payment"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
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
	BalanceUpdate  string `mapstructure:"balance_update"`
	PurchaseResult string `mapstructure:"purchase_result"`
}

// PaymentConfig 支付网关配置
// provider 目前支持 sandbox（本地沙箱，开发/测试用）
type PaymentConfig struct {
	Provider    string `mapstructure:"provider"`
	CheckoutURL string `mapstructure:"checkout_url"` // 沙箱收银台地址前缀
	PriceCents  int64  `mapstructure:"price_cents"`  // 单枚代币价格（分）
}

type BusinessConfig struct {
	BalanceCacheTTLSeconds  int `mapstructure:"balance_cache_ttl_seconds"`  // 余额缓存有效期
	CheckoutTimeoutMinutes  int `mapstructure:"checkout_timeout_minutes"`   // 购买会话超时时间
	ReconcileIntervalSecs   int `mapstructure:"reconcile_interval_seconds"` // 对账巡检间隔
	NotifierProbeIntervalMS int `mapstructure:"notifier_probe_interval_ms"` // 订阅连接探活间隔
	MaxRetryCount           int `mapstructure:"max_retry_count"`            // 发件箱最大重试次数
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	return config
}
