package config

import "github.com/caarlos0/env/v10"

// Config centraliza la configuración del servicio.
type Config struct {
	TelegramToken     string `env:"TELEGRAM_TOKEN,required"`
	TelegramBaseURL   string `env:"TELEGRAM_BASE_URL"`
	CopperxAPIToken   string `env:"COPPERX_API_TOKEN,required"`
	CopperxBaseURL    string `env:"COPPERX_BASE_URL" envDefault:"https://income-api.copperx.io/api"`
	APITimeoutSeconds int    `env:"API_TIMEOUT_SECONDS" envDefault:"15"`
	DatabaseURL       string `env:"DATABASE_URL"`
	RedisAddr         string `env:"REDIS_ADDR"`
	RedisPassword     string `env:"REDIS_PASSWORD"`
	RedisDB           int    `env:"REDIS_DB" envDefault:"0"`
	PusherKey         string `env:"PUSHER_KEY"`
	PusherSecret      string `env:"PUSHER_SECRET"`
	PusherCluster     string `env:"PUSHER_CLUSTER" envDefault:"ap1"`
	HTTPPort          string `env:"HTTP_PORT" envDefault:"8081"`
}

// LoadConfig carga la configuración desde variables de entorno.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
