// Package config содержит логику чтения конфигурации сервиса лояльности.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/loyalty-engine/internal/model"
	"github.com/mmeshcher/loyalty-engine/internal/rates"
)

const defaultRunAddress = "localhost:8080"

// Config содержит параметры конфигурации сервиса лояльности.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`
	TiersFile   string `env:"TIERS_FILE"`

	AuthSecret string `env:"AUTH_SECRET"`
	AdminKey   string `env:"ADMIN_KEY"`

	// BatchPostInterval задаёт период фонового проведения пакетов, 0 отключает его.
	BatchPostInterval  time.Duration `env:"BATCH_POST_INTERVAL" envDefault:"0s"`
	RateLimitRPS       float64       `env:"RATE_LIMIT_RPS" envDefault:"0"`
	CORSAllowedOrigins []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`

	Rates RatesConfig

	// SignTenant задаётся только флагом: вывести токен арендатора и завершиться.
	SignTenant string
}

// RatesConfig содержит глобальные ставки начисления и пороги уровней.
type RatesConfig struct {
	PointsPerDay     decimal.Decimal `env:"POINTS_PER_DAY" envDefault:"20"`
	PointsPerMile    decimal.Decimal `env:"POINTS_PER_MILE" envDefault:"0.2"`
	ExpirationMonths int             `env:"POINTS_EXPIRATION_MONTHS" envDefault:"12"`

	BronzeMin   int64 `env:"TIER_BRONZE_MIN" envDefault:"0"`
	SilverMin   int64 `env:"TIER_SILVER_MIN" envDefault:"1000"`
	GoldMin     int64 `env:"TIER_GOLD_MIN" envDefault:"5000"`
	PlatinumMin int64 `env:"TIER_PLATINUM_MIN" envDefault:"10000"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envTiersFile := cfg.TiersFile

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, in-memory store when empty")
	flag.StringVar(&cfg.TiersFile, "t", "", "YAML file with tenant tier tables")
	flag.StringVar(&cfg.SignTenant, "sign-tenant", "", "print an access token for the tenant and exit")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envTiersFile != "" {
		cfg.TiersFile = envTiersFile
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.BatchPostInterval < 0 {
		return fmt.Errorf("BATCH_POST_INTERVAL must not be negative, got %s", c.BatchPostInterval)
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must not be negative, got %v", c.RateLimitRPS)
	}
	if c.Rates.PointsPerDay.IsNegative() || c.Rates.PointsPerMile.IsNegative() {
		return fmt.Errorf("point rates must not be negative")
	}
	return rates.ValidateTiers(c.Rates.tiers())
}

func (r RatesConfig) tiers() []model.TierConfig {
	return []model.TierConfig{
		{Tier: model.TierBronze, MinPoints: r.BronzeMin},
		{Tier: model.TierSilver, MinPoints: r.SilverMin},
		{Tier: model.TierGold, MinPoints: r.GoldMin},
		{Tier: model.TierPlatinum, MinPoints: r.PlatinumMin},
	}
}

// RateTable возвращает глобальную таблицу ставок с множителями уровней по умолчанию.
func (c *Config) RateTable() rates.Table {
	thresholds := make([]model.TierThreshold, 0, len(model.Tiers))
	for _, t := range c.Rates.tiers() {
		thresholds = append(thresholds, model.TierThreshold{Tier: t.Tier, MinPoints: t.MinPoints})
	}

	return rates.Table{
		PointsPerDay:     c.Rates.PointsPerDay,
		PointsPerMile:    c.Rates.PointsPerMile,
		ExpirationMonths: c.Rates.ExpirationMonths,
		// Таблица нормализуется той же функцией, что и таблицы арендаторов.
		Thresholds:  rates.ResolveThresholds(nil, thresholds),
		Multipliers: rates.DefaultMultipliers(),
	}
}
