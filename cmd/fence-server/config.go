package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	internalhttp "github.com/runtimefence/fence/internal/api/http"
	"github.com/runtimefence/fence/internal/auth"
	"github.com/runtimefence/fence/internal/breaker"
	"github.com/runtimefence/fence/internal/db"
	"github.com/runtimefence/fence/internal/identity"
	"github.com/runtimefence/fence/internal/validator"
	"github.com/spf13/viper"
)

type Config struct {
	Log       LogConfig
	Http      internalhttp.Config
	Database  db.Config
	Auth      auth.Config
	Identity  identity.Config
	Breaker   breaker.Config
	Validator validator.Config
	Webhook   WebhookConfig
	Admin     AdminConfig
}

type WebhookConfig struct {
	// Kill notices are POSTed to each URL.
	Urls []string `mapstructure:"urls"`
}

type AdminConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

var config Config

func InitConfig() {
	var err error

	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/fence-server")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("database.url", "DATABASE_URL")
	_ = viper.BindEnv("auth.secret", "JWT_SECRET")
	_ = viper.BindEnv("http.agent_api_key", "AGENT_API_KEY")
	_ = viper.BindEnv("admin.password", "ADMIN_PASSWORD")

	setDefaults()

	// A missing config file is fine; everything can come from env vars.
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			panic(err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		panic(err)
	}

	// The middleware must validate tokens with the same secret the auth
	// service signs them with.
	config.Http.JWTSecret = config.Auth.Secret

	initLogger(config.Log.Level)

	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		configJSON, err := json.MarshalIndent(config, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}

func setDefaults() {
	viper.SetDefault("log.level", "INFO")
	viper.SetDefault("http.port", 8080)

	idCfg := identity.DefaultConfig()
	viper.SetDefault("identity.identity_ttl", idCfg.IdentityTTL)
	viper.SetDefault("identity.credential_ttl", idCfg.CredentialTTL)
	viper.SetDefault("identity.rotation_interval", idCfg.RotationInterval)
	viper.SetDefault("identity.rotation_lookahead", idCfg.RotationLookahead)
	viper.SetDefault("identity.ca_cert_path", "")
	viper.SetDefault("identity.ca_key_path", "")

	brCfg := breaker.DefaultConfig()
	viper.SetDefault("breaker.failure_threshold", brCfg.FailureThreshold)
	viper.SetDefault("breaker.success_threshold", brCfg.SuccessThreshold)
	viper.SetDefault("breaker.timeout", brCfg.Timeout)
	viper.SetDefault("breaker.request_volume_threshold", brCfg.RequestVolumeThreshold)
	viper.SetDefault("breaker.error_rate_percent", brCfg.ErrorRatePercent)
	viper.SetDefault("breaker.unauthorized_limit", brCfg.UnauthorizedLimit)
	viper.SetDefault("breaker.rate_limit_violation_limit", brCfg.RateLimitViolationLimit)
	viper.SetDefault("breaker.auto_kill_anomaly_threshold", brCfg.AutoKillAnomalyThreshold)
	viper.SetDefault("breaker.auto_kill_max_consecutive", brCfg.AutoKillMaxConsecutive)
	viper.SetDefault("breaker.auto_kill_error_rate_percent", brCfg.AutoKillErrorRatePercent)
	viper.SetDefault("breaker.anomaly_decay_per_hour", brCfg.AnomalyDecayPerHour)

	vCfg := validator.DefaultConfig()
	viper.SetDefault("validator.risk_threshold", vCfg.RiskThreshold)
	viper.SetDefault("validator.auto_kill_level", vCfg.AutoKillLevel)
	viper.SetDefault("validator.risk_level_thresholds.low", vCfg.Thresholds.Low)
	viper.SetDefault("validator.risk_level_thresholds.medium", vCfg.Thresholds.Medium)
	viper.SetDefault("validator.risk_level_thresholds.high", vCfg.Thresholds.High)
	viper.SetDefault("validator.risk_level_thresholds.critical", vCfg.Thresholds.Critical)
	viper.SetDefault("validator.spending_limit", vCfg.SpendingLimit)
	viper.SetDefault("validator.revoke_timeout", vCfg.RevokeTimeout)

	authCfg := auth.DefaultConfig()
	viper.SetDefault("auth.issuer", authCfg.Issuer)
	viper.SetDefault("auth.token_ttl", authCfg.TokenTTL)
}
