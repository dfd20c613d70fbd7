package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents runtime configuration for the claimchain service.
type Config struct {
	Port            string
	Environment     string
	DatabaseURL     string
	RPCURL          string
	ContractAddress string
	ChainID         int64
	InsurerKeyHex   string
	Confirmations   uint64
	PollInterval    time.Duration
	TxTimeout       time.Duration
	ReconInterval   time.Duration
	ReconLookback   uint64
	ReconMaxRange   uint64
	JWTSecret       string
	IPFSBaseURL     string
	RateLimitPerMin int
	RateLimitBurst  int
}

// fileConfig mirrors the optional TOML override file. Only the keys present
// in the file replace the environment-derived values.
type fileConfig struct {
	Port            *string `toml:"Port"`
	Environment     *string `toml:"Environment"`
	DatabaseURL     *string `toml:"DatabaseURL"`
	RPCURL          *string `toml:"RPCURL"`
	ContractAddress *string `toml:"ContractAddress"`
	ChainID         *int64  `toml:"ChainID"`
	Confirmations   *uint64 `toml:"Confirmations"`
	ReconLookback   *uint64 `toml:"ReconLookback"`
	ReconMaxRange   *uint64 `toml:"ReconMaxRange"`
	IPFSBaseURL     *string `toml:"IPFSBaseURL"`
}

// FromEnv loads configuration from environment variables required by the
// service, then applies the optional TOML file named by CLAIMCHAIN_CONFIG.
func FromEnv() (*Config, error) {
	dbURL := os.Getenv("CLAIMCHAIN_DB_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("CLAIMCHAIN_DB_URL is required")
	}
	rpcURL := os.Getenv("CLAIMCHAIN_RPC_URL")
	if rpcURL == "" {
		return nil, fmt.Errorf("CLAIMCHAIN_RPC_URL is required")
	}
	contract := strings.TrimSpace(os.Getenv("CLAIMCHAIN_CONTRACT_ADDRESS"))
	if contract == "" {
		return nil, fmt.Errorf("CLAIMCHAIN_CONTRACT_ADDRESS is required")
	}
	chainIDRaw := getEnvDefault("CLAIMCHAIN_CHAIN_ID", "1337")
	chainID, err := strconv.ParseInt(chainIDRaw, 10, 64)
	if err != nil || chainID <= 0 {
		return nil, fmt.Errorf("invalid CLAIMCHAIN_CHAIN_ID %q", chainIDRaw)
	}
	keyHex := strings.TrimSpace(os.Getenv("CLAIMCHAIN_INSURER_KEY"))
	if keyHex == "" {
		return nil, fmt.Errorf("CLAIMCHAIN_INSURER_KEY is required")
	}
	jwtSecret := os.Getenv("CLAIMCHAIN_JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("CLAIMCHAIN_JWT_SECRET is required")
	}

	confirmations := parseUintEnv("CLAIMCHAIN_CONFIRMATIONS", 1)
	if confirmations == 0 {
		confirmations = 1
	}
	pollSeconds := parseIntEnv("CLAIMCHAIN_POLL_INTERVAL_SECONDS", 2)
	if pollSeconds <= 0 {
		return nil, fmt.Errorf("invalid CLAIMCHAIN_POLL_INTERVAL_SECONDS %d", pollSeconds)
	}
	txTimeoutSeconds := parseIntEnv("CLAIMCHAIN_TX_TIMEOUT_SECONDS", 90)
	if txTimeoutSeconds <= 0 {
		return nil, fmt.Errorf("invalid CLAIMCHAIN_TX_TIMEOUT_SECONDS %d", txTimeoutSeconds)
	}
	reconSeconds := parseIntEnv("CLAIMCHAIN_RECON_INTERVAL_SECONDS", 15)
	if reconSeconds <= 0 {
		return nil, fmt.Errorf("invalid CLAIMCHAIN_RECON_INTERVAL_SECONDS %d", reconSeconds)
	}

	cfg := &Config{
		Port:            normalizePort(getEnvDefault("CLAIMCHAIN_PORT", "8080")),
		Environment:     getEnvDefault("CLAIMCHAIN_ENV", "dev"),
		DatabaseURL:     dbURL,
		RPCURL:          rpcURL,
		ContractAddress: contract,
		ChainID:         chainID,
		InsurerKeyHex:   strings.TrimPrefix(keyHex, "0x"),
		Confirmations:   confirmations,
		PollInterval:    time.Duration(pollSeconds) * time.Second,
		TxTimeout:       time.Duration(txTimeoutSeconds) * time.Second,
		ReconInterval:   time.Duration(reconSeconds) * time.Second,
		ReconLookback:   parseUintEnv("CLAIMCHAIN_RECON_LOOKBACK_BLOCKS", 5000),
		ReconMaxRange:   parseUintEnv("CLAIMCHAIN_RECON_MAX_RANGE", 2000),
		JWTSecret:       jwtSecret,
		IPFSBaseURL:     getEnvDefault("CLAIMCHAIN_IPFS_URL", "http://127.0.0.1:5001"),
		RateLimitPerMin: parseIntEnv("CLAIMCHAIN_RATE_LIMIT_PER_MINUTE", 120),
		RateLimitBurst:  parseIntEnv("CLAIMCHAIN_RATE_LIMIT_BURST", 20),
	}

	if path := strings.TrimSpace(os.Getenv("CLAIMCHAIN_CONFIG")); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	var overrides fileConfig
	meta, err := toml.DecodeFile(path, &overrides)
	if err != nil {
		return fmt.Errorf("config: decode %s: %w", path, err)
	}
	for _, undecoded := range meta.Undecoded() {
		return fmt.Errorf("config: unknown key %q in %s", undecoded.String(), path)
	}
	if overrides.Port != nil {
		c.Port = normalizePort(*overrides.Port)
	}
	if overrides.Environment != nil {
		c.Environment = *overrides.Environment
	}
	if overrides.DatabaseURL != nil {
		c.DatabaseURL = *overrides.DatabaseURL
	}
	if overrides.RPCURL != nil {
		c.RPCURL = *overrides.RPCURL
	}
	if overrides.ContractAddress != nil {
		c.ContractAddress = *overrides.ContractAddress
	}
	if overrides.ChainID != nil {
		c.ChainID = *overrides.ChainID
	}
	if overrides.Confirmations != nil && *overrides.Confirmations > 0 {
		c.Confirmations = *overrides.Confirmations
	}
	if overrides.ReconLookback != nil {
		c.ReconLookback = *overrides.ReconLookback
	}
	if overrides.ReconMaxRange != nil {
		c.ReconMaxRange = *overrides.ReconMaxRange
	}
	if overrides.IPFSBaseURL != nil {
		c.IPFSBaseURL = *overrides.IPFSBaseURL
	}
	return nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func normalizePort(port string) string {
	if port == "" {
		return "8080"
	}
	// Allow values like ":8080".
	if port[0] == ':' {
		return port[1:]
	}
	return port
}

func parseIntEnv(key string, def int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return def
}

func parseUintEnv(key string, def uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseUint(value, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}
