// Package config содержит логику чтения конфигурации сервиса вознаграждений.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса вознаграждений.
type Config struct {
	RunAddress        string  `env:"RUN_ADDRESS"`
	DatabaseURI       string  `env:"DATABASE_URI"`
	MembershipAddress string  `env:"MEMBERSHIP_ADDRESS"`
	AuthSecret        string  `env:"AUTH_SECRET"`
	ReferralBonus     float64 `env:"REFERRAL_BONUS"`
	LeaderboardLimit  int     `env:"LEADERBOARD_LIMIT"`
	// LifetimeAdCaps включает исторический режим лимитов просмотра без
	// суточного сброса.
	LifetimeAdCaps bool `env:"LIFETIME_AD_CAPS"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envCfg := *cfg

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.MembershipAddress, "r", "", "membership verification service address")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret for session cookie signing")
	flag.Float64Var(&cfg.ReferralBonus, "b", 0.1, "referral bonus in dollars for the leaderboard")
	flag.IntVar(&cfg.LeaderboardLimit, "l", 50, "maximum number of leaderboard entries")
	flag.BoolVar(&cfg.LifetimeAdCaps, "lifetime-ad-caps", false, "treat ad view limits as lifetime totals")

	flag.Parse()

	if envCfg.RunAddress != "" {
		cfg.RunAddress = envCfg.RunAddress
	}
	if envCfg.DatabaseURI != "" {
		cfg.DatabaseURI = envCfg.DatabaseURI
	}
	if envCfg.MembershipAddress != "" {
		cfg.MembershipAddress = envCfg.MembershipAddress
	}
	if envCfg.AuthSecret != "" {
		cfg.AuthSecret = envCfg.AuthSecret
	}
	if envCfg.ReferralBonus != 0 {
		cfg.ReferralBonus = envCfg.ReferralBonus
	}
	if envCfg.LeaderboardLimit != 0 {
		cfg.LeaderboardLimit = envCfg.LeaderboardLimit
	}
	if envCfg.LifetimeAdCaps {
		cfg.LifetimeAdCaps = true
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
