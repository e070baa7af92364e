// Package config loads engine settings from an optional YAML file, an
// optional .env file and the process environment, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/mezopay/credit-engine/internal/creditline"
	"github.com/mezopay/credit-engine/internal/ledger"
	"github.com/mezopay/credit-engine/internal/model"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendLevelDB  = "leveldb"
	BackendPostgres = "postgres"
)

// Mezo testnet defaults.
const (
	DefaultChainID           = 31611
	DefaultCreditLineAddress = "0x9D5F12DBe903A0741F675e4Aa4454b2F7A010aB4"
	DefaultDebtTokenAddress  = "0x118917a40FAF1CD7a13dB0Ef56C86De7973Ac503"
)

// Config is the full engine configuration.
type Config struct {
	Port string `yaml:"port"`

	Chain struct {
		RPCURL            string  `yaml:"rpc_url"`
		ChainID           int64   `yaml:"chain_id"`
		CreditLineAddress string  `yaml:"credit_line_address"`
		DebtTokenAddress  string  `yaml:"debt_token_address"`
		SignerKey         string  `yaml:"signer_key"`
		RateLimit         float64 `yaml:"rate_limit"`
		BackfillBlocks    uint64  `yaml:"backfill_blocks"`
		// SignActions lists the action kinds the signer may sign. Empty
		// disables signing.
		SignActions []string `yaml:"sign_actions"`
	} `yaml:"chain"`

	API struct {
		// AllowedOrigins lists browser origins granted CORS access. Empty
		// allows same-origin requests only.
		AllowedOrigins []string `yaml:"allowed_origins"`
		MaxSessions    int      `yaml:"max_sessions"`
	} `yaml:"api"`

	Store struct {
		Backend     string `yaml:"backend"`
		LevelDBPath string `yaml:"leveldb_path"`
		DatabaseURL string `yaml:"database_url"`
		RedisURL    string `yaml:"redis_url"`
	} `yaml:"store"`

	CollateralPrice decimal.Decimal   `yaml:"collateral_price"`
	Credit          creditline.Params `yaml:"credit"`

	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{Port: "8080"}
	cfg.Chain.ChainID = DefaultChainID
	cfg.Chain.CreditLineAddress = DefaultCreditLineAddress
	cfg.Chain.DebtTokenAddress = DefaultDebtTokenAddress
	cfg.Chain.RateLimit = 10
	cfg.Chain.BackfillBlocks = ledger.DefaultBackfillWindow
	cfg.API.MaxSessions = 64
	cfg.Store.Backend = BackendLevelDB
	cfg.Store.LevelDBPath = "data/ledger"
	cfg.CollateralPrice = decimal.NewFromInt(100000)
	cfg.Credit = creditline.DefaultParams()
	cfg.Logging.Level = "info"
	return cfg
}

// Load builds the configuration. path names an optional YAML file. The
// env files (default ".env") are read into the environment when present,
// without overriding variables already set. Environment variables win over
// the YAML file.
func Load(path string, envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", f, err)
		}
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := overrideWithEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func overrideWithEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	str("PORT", &cfg.Port)
	str("RPC_URL", &cfg.Chain.RPCURL)
	str("CREDIT_LINE_ADDRESS", &cfg.Chain.CreditLineAddress)
	str("DEBT_TOKEN_ADDRESS", &cfg.Chain.DebtTokenAddress)
	str("SIGNER_KEY", &cfg.Chain.SignerKey)
	str("STORE_BACKEND", &cfg.Store.Backend)
	str("LEVELDB_PATH", &cfg.Store.LevelDBPath)
	str("DATABASE_URL", &cfg.Store.DatabaseURL)
	str("REDIS_URL", &cfg.Store.RedisURL)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FILE", &cfg.Logging.File)

	list := func(key string, dst *[]string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = splitList(v)
		}
	}
	list("SIGN_ACTIONS", &cfg.Chain.SignActions)
	list("ALLOWED_ORIGINS", &cfg.API.AllowedOrigins)

	if v := os.Getenv("MAX_SESSIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_SESSIONS: %w", err)
		}
		cfg.API.MaxSessions = n
	}
	if v := os.Getenv("CHAIN_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("CHAIN_ID: %w", err)
		}
		cfg.Chain.ChainID = id
	}
	if v := os.Getenv("RPC_RATE_LIMIT"); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("RPC_RATE_LIMIT: %w", err)
		}
		cfg.Chain.RateLimit = rps
	}
	if v := os.Getenv("BACKFILL_BLOCKS"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("BACKFILL_BLOCKS: %w", err)
		}
		cfg.Chain.BackfillBlocks = n
	}
	if v := os.Getenv("COLLATERAL_PRICE"); v != "" {
		p, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("COLLATERAL_PRICE: %w", err)
		}
		cfg.CollateralPrice = p
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// SignKinds returns the configured sign allow-list as action kinds.
func (c *Config) SignKinds() []model.ActionKind {
	kinds := make([]model.ActionKind, 0, len(c.Chain.SignActions))
	for _, a := range c.Chain.SignActions {
		kinds = append(kinds, model.ActionKind(strings.ToLower(a)))
	}
	return kinds
}

// Validate checks addresses, backend selection and thresholds.
func (c *Config) Validate() error {
	if !common.IsHexAddress(c.Chain.CreditLineAddress) {
		return fmt.Errorf("invalid credit line address %q", c.Chain.CreditLineAddress)
	}
	if !common.IsHexAddress(c.Chain.DebtTokenAddress) {
		return fmt.Errorf("invalid debt token address %q", c.Chain.DebtTokenAddress)
	}
	if c.Chain.ChainID <= 0 {
		return fmt.Errorf("chain id must be positive")
	}
	if c.Chain.BackfillBlocks == 0 {
		return fmt.Errorf("backfill window must be positive")
	}
	for _, k := range c.SignKinds() {
		if !k.Valid() {
			return fmt.Errorf("unknown sign action %q", k)
		}
	}
	for _, o := range c.API.AllowedOrigins {
		if o == "*" {
			return fmt.Errorf("wildcard origin is not allowed; list origins explicitly")
		}
	}
	if c.API.MaxSessions <= 0 {
		return fmt.Errorf("max sessions must be positive")
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendLevelDB:
		if c.Store.LevelDBPath == "" {
			return fmt.Errorf("leveldb backend requires LEVELDB_PATH")
		}
	case BackendPostgres:
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("postgres backend requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if c.CollateralPrice.Sign() <= 0 {
		return fmt.Errorf("collateral price must be positive")
	}
	p := c.Credit
	if p.MaxLoanToValue.Sign() <= 0 || p.MaxLoanToValue.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("max loan to value must be in (0, 1]")
	}
	if p.WarningRatio.Sign() <= 0 {
		return fmt.Errorf("warning ratio must be positive")
	}
	if !p.LiquidationRatio.LessThan(p.AtRiskRatio) || !p.AtRiskRatio.LessThan(p.HealthyRatio) {
		return fmt.Errorf("ratios must satisfy liquidation < at-risk < healthy")
	}
	if p.MinMintRatio.LessThanOrEqual(p.LiquidationRatio) {
		return fmt.Errorf("minimum mint ratio must exceed the liquidation ratio")
	}
	return nil
}
