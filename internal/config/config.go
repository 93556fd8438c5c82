package config

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Listen struct {
	BindIp string `yaml:"bind_ip" env-default:"0.0.0.0"`
	Port   string `yaml:"port" env-default:"8080"`
}

type Mongo struct {
	Enabled    bool   `yaml:"enabled" env-default:"false"`
	Host       string `yaml:"host" env-default:"127.0.0.1"`
	Port       string `yaml:"port" env-default:"27017"`
	User       string `yaml:"user" env-default:""`
	Password   string `yaml:"password" env-default:""`
	Database   string `yaml:"database" env-default:"credits"`
	ReplicaSet string `yaml:"replica_set" env-default:""`
	TxAttempts uint   `yaml:"tx_attempts" env-default:"5"`
}

type Redis struct {
	Enabled  bool   `yaml:"enabled" env-default:"false"`
	Host     string `yaml:"host" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env-default:"6379"`
	Password string `yaml:"password" env-default:""`
	DB       int    `yaml:"db" env-default:"0"`
	Prefix   string `yaml:"prefix" env-default:"credits:rl:"`
}

type Credits struct {
	MaxGiftAmount  int64 `yaml:"max_gift_amount" env-default:"500"`
	DailyGiftCap   int64 `yaml:"daily_gift_cap" env-default:"1000"`
	MaxAdminAdjust int64 `yaml:"max_admin_adjust" env-default:"10000"`
	WelcomeCredits int64 `yaml:"welcome_credits" env-default:"50"`
	HistoryLimit   int   `yaml:"history_limit" env-default:"50"`
	SettingsTTLSec int   `yaml:"settings_ttl_sec" env-default:"30"`
}

func (c Credits) SettingsTTL() time.Duration {
	return time.Duration(c.SettingsTTLSec) * time.Second
}

type RateLimit struct {
	Backend        string `yaml:"backend" env-default:"memory"`
	GiftPerHour    int    `yaml:"gift_per_hour" env-default:"10"`
	GiftPerDay     int    `yaml:"gift_per_day" env-default:"30"`
	PromoPerHour   int    `yaml:"promo_per_hour" env-default:"5"`
	PromoPerDay    int    `yaml:"promo_per_day" env-default:"20"`
	UsagePerMinute int    `yaml:"usage_per_minute" env-default:"60"`
}

type StripeConfig struct {
	APIKey        string `yaml:"api_key" env-default:""`
	WebhookSecret string `yaml:"webhook_secret" env-default:""`
	SuccessURL    string `yaml:"success_url" env-default:""`
	CancelURL     string `yaml:"cancel_url" env-default:""`
}

type Telegram struct {
	Enabled      bool    `yaml:"enabled" env-default:"false"`
	ApiKey       string  `yaml:"api_key" env-default:""`
	AdminChatIDs []int64 `yaml:"admin_chat_ids"`
}

// Admin seeds one admin API user on startup when Token is set.
type Admin struct {
	UserID string `yaml:"user_id" env-default:"admin"`
	Name   string `yaml:"name" env-default:"Administrator"`
	Token  string `yaml:"token" env:"CREDITS_ADMIN_TOKEN" env-default:""`
}

type Metrics struct {
	Enabled bool `yaml:"enabled" env-default:"true"`
}

type Config struct {
	Env          string       `yaml:"env" env-default:"local"`
	Listen       Listen       `yaml:"listen"`
	Mongo        Mongo        `yaml:"mongo"`
	Redis        Redis        `yaml:"redis"`
	Credits      Credits      `yaml:"credits"`
	RateLimit    RateLimit    `yaml:"rate_limit"`
	Stripe       StripeConfig `yaml:"stripe"`
	StripeBackup StripeConfig `yaml:"stripe_backup"`
	Telegram     Telegram     `yaml:"telegram"`
	Admin        Admin        `yaml:"admin"`
	Metrics      Metrics      `yaml:"metrics"`
}

var instance *Config
var once sync.Once

func MustLoad(path string) *Config {
	var err error
	once.Do(func() {
		instance = &Config{}
		if err = cleanenv.ReadConfig(path, instance); err != nil {
			desc, _ := cleanenv.GetDescription(instance, nil)
			err = fmt.Errorf("config: %s; %s", err, desc)
			instance = nil
			log.Fatal(err)
		}
	})
	return instance
}

// Default returns the configuration with every env-default applied and no file read.
func Default() *Config {
	conf := &Config{}
	_ = cleanenv.ReadEnv(conf)
	return conf
}
