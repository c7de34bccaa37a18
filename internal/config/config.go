package config

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type AppCfg struct{ Env, Port, BaseURL string }
type DBCfg struct{ DSN string }
type RedisCfg struct{ Addr string }

// SCBCfg holds the partner API credentials from the SCB developer portal.
type SCBCfg struct {
	APIURL            string // base URL without /v1/
	ApplicationKey    string
	ApplicationSecret string
	BillerID          string
}

// MerchantCfg is the per-deployment merchant/event configuration. Ref1Prefix
// and Ref3Prefix are restricted to [A-Z0-9]; Ref3Prefix must match the prefix
// SCB routes to this deployment's callback.
type MerchantCfg struct {
	EventSlug      string
	Ref1Prefix     string
	Ref3Prefix     string
	CallbackSecret string
	Enabled        bool
}

type SecurityCfg struct {
	RateLimitPerMin int
}

type Cfg struct {
	App      AppCfg
	DB       DBCfg
	Redis    RedisCfg
	SCB      SCBCfg
	Merchant MerchantCfg
	Sec      SecurityCfg
}

func Load() Cfg {
	// .env is optional; real env vars win.
	_ = godotenv.Load()

	viper.AutomaticEnv()
	viper.SetDefault("APP_ENV", "sandbox")
	viper.SetDefault("APP_PORT", "8080")
	viper.SetDefault("RATE_LIMIT_PER_MIN", 300)
	viper.SetDefault("SCB_API_URL", "https://api-sandbox.partners.scb/partners/sandbox")
	viper.SetDefault("REF1_PREFIX", "PRETIX")
	viper.SetDefault("PROVIDER_ENABLED", true)

	cfg := Cfg{
		App: AppCfg{
			Env:     viper.GetString("APP_ENV"),
			Port:    viper.GetString("APP_PORT"),
			BaseURL: strings.TrimRight(viper.GetString("APP_BASE_URL"), "/"),
		},
		DB:    DBCfg{DSN: viper.GetString("DB_DSN")},
		Redis: RedisCfg{Addr: viper.GetString("REDIS_ADDR")},
		SCB: SCBCfg{
			APIURL:            strings.TrimRight(viper.GetString("SCB_API_URL"), "/"),
			ApplicationKey:    viper.GetString("SCB_APPLICATION_KEY"),
			ApplicationSecret: viper.GetString("SCB_APPLICATION_SECRET"),
			BillerID:          viper.GetString("SCB_BILLER_ID"),
		},
		Merchant: MerchantCfg{
			EventSlug:      viper.GetString("EVENT_SLUG"),
			Ref1Prefix:     viper.GetString("REF1_PREFIX"),
			Ref3Prefix:     viper.GetString("REF3_PREFIX"),
			CallbackSecret: strings.TrimSpace(viper.GetString("CALLBACK_SECRET")),
			Enabled:        viper.GetBool("PROVIDER_ENABLED"),
		},
		Sec: SecurityCfg{RateLimitPerMin: viper.GetInt("RATE_LIMIT_PER_MIN")},
	}

	// Fail fast on required settings.
	if cfg.DB.DSN == "" {
		log.Fatal().Msg("DB_DSN is required")
	}
	if cfg.Merchant.EventSlug == "" {
		log.Fatal().Msg("EVENT_SLUG is required")
	}
	if cfg.Merchant.CallbackSecret == "" {
		log.Fatal().Msg("CALLBACK_SECRET is required")
	}
	if !isUpperAlnum(cfg.Merchant.Ref1Prefix) || !isUpperAlnum(cfg.Merchant.Ref3Prefix) {
		log.Fatal().Msg("REF1_PREFIX/REF3_PREFIX must contain only A-Z and 0-9")
	}

	return cfg
}

func isUpperAlnum(s string) bool {
	for _, c := range s {
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
