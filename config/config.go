package config

import (
	"os"
	"time"
)

// Config captures everything main needs from the environment.
type Config struct {
	Addr            string
	DatabaseURL     string
	JWTSecret       string
	PlatformWallet  string
	AdminEmail      string
	AdminPassword   string
	ShutdownTimeout time.Duration
}

// FromEnv builds the config from environment variables so main stays lean.
func FromEnv() Config {
	addr := os.Getenv("ESCROWFLOW_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		// Development default; override in any real deployment.
		secret = "dev-secret-change-me"
	}

	wallet := os.Getenv("PLATFORM_WALLET")
	if wallet == "" {
		wallet = "0x0000000000000000000000000000000000000fee"
	}

	return Config{
		Addr:            addr,
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		JWTSecret:       secret,
		PlatformWallet:  wallet,
		AdminEmail:      os.Getenv("ESCROWFLOW_ADMIN_EMAIL"),
		AdminPassword:   os.Getenv("ESCROWFLOW_ADMIN_PASSWORD"),
		ShutdownTimeout: 10 * time.Second,
	}
}
