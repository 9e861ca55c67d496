// Package config resolves ledgerd settings from flags, environment variables
// and an optional .env file. Flags win over the environment; the .env file
// never overrides a variable that is already set.
package config

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"token-ledger/internal/address"
	"token-ledger/internal/token"
	"token-ledger/internal/units"
)

// Environment variables read as flag defaults.
const (
	EnvPostgresDSN      = "LEDGER_POSTGRES_DSN"
	EnvClickhouseDSN    = "LEDGER_CLICKHOUSE_DSN"
	EnvIssuer           = "LEDGER_ISSUER"
	EnvIssuerKeyFile    = "LEDGER_ISSUER_KEY_FILE"
	EnvTreasurySeed     = "LEDGER_TREASURY_SEED"
	EnvListenAddr       = "LEDGER_LISTEN_ADDR"
	EnvMetricsAddr      = "LEDGER_METRICS_ADDR"
	EnvSnapshotInterval = "LEDGER_SNAPSHOT_INTERVAL"
)

// Defaults.
const (
	DefaultListenAddr       = ":8080"
	DefaultMetricsAddr      = ":9090"
	DefaultSnapshotInterval = 5 * time.Minute
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds the service settings.
type Config struct {
	PostgresDSN   string
	ClickhouseDSN string // optional mirror
	UseMemory     bool

	// Issuer is the wallet key that owns the supply. With TreasurySeed set,
	// the supply goes to the account derived from Issuer and the seed instead.
	Issuer       address.Address
	TreasurySeed string
	// StrictToken makes a restart fail when stored token metadata differs
	// from these settings instead of keeping the stored values.
	StrictToken bool

	TokenName   string
	TokenSymbol string
	Decimals    uint
	WholeSupply uint64 // supply in whole tokens, scaled by Decimals

	ListenAddr       string
	MetricsAddr      string
	SnapshotInterval time.Duration
}

// Parse reads the settings for the program name from args, using the
// environment for defaults. It does not validate.
func Parse(name string, args []string) (*Config, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)

	interval := DefaultSnapshotInterval
	if v := os.Getenv(EnvSnapshotInterval); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, EnvSnapshotInterval, err)
		}
		interval = d
	}

	cfg := &Config{}
	var issuer, keyFile string
	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", os.Getenv(EnvPostgresDSN), "PostgreSQL connection string")
	fs.StringVar(&cfg.ClickhouseDSN, "clickhouse-dsn", os.Getenv(EnvClickhouseDSN), "ClickHouse connection string (optional transition mirror)")
	fs.BoolVar(&cfg.UseMemory, "use-memory", false, "Use in-memory storage instead of PostgreSQL")
	fs.StringVar(&issuer, "issuer", os.Getenv(EnvIssuer), "Base58 wallet address that receives the entire supply")
	fs.StringVar(&keyFile, "issuer-key", os.Getenv(EnvIssuerKeyFile), "PEM file with the issuer's ed25519 public key (alternative to --issuer)")
	fs.StringVar(&cfg.TreasurySeed, "treasury-seed", os.Getenv(EnvTreasurySeed), "Issue to the account derived from the issuer and this seed")
	fs.BoolVar(&cfg.StrictToken, "strict-token", false, "Refuse to start when stored token metadata differs from the flags")
	fs.StringVar(&cfg.TokenName, "name", token.DefaultName, "Token name")
	fs.StringVar(&cfg.TokenSymbol, "symbol", token.DefaultSymbol, "Token symbol")
	fs.UintVar(&cfg.Decimals, "decimals", token.DefaultDecimals, "Display decimals")
	fs.Uint64Var(&cfg.WholeSupply, "supply", token.DefaultWholeSupply, "Total supply in whole tokens")
	fs.StringVar(&cfg.ListenAddr, "listen-addr", envOr(EnvListenAddr, DefaultListenAddr), "API and feed HTTP address")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", envOr(EnvMetricsAddr, DefaultMetricsAddr), "Prometheus metrics HTTP address")
	fs.DurationVar(&cfg.SnapshotInterval, "snapshot-interval", interval, "Snapshot interval")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	switch {
	case issuer != "" && keyFile != "":
		return nil, fmt.Errorf("%w: --issuer and --issuer-key are exclusive", ErrInvalidConfig)
	case issuer != "":
		a, err := address.Parse(issuer)
		if err != nil {
			return nil, fmt.Errorf("%w: issuer: %v", ErrInvalidConfig, err)
		}
		cfg.Issuer = a
	case keyFile != "":
		a, err := LoadIssuerKey(keyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: issuer key: %v", ErrInvalidConfig, err)
		}
		cfg.Issuer = a
	}
	return cfg, nil
}

// LoadIssuerKey reads a PEM "PUBLIC KEY" block holding an ed25519 key and
// returns its address.
func LoadIssuerKey(path string) (address.Address, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return address.Zero, err
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PUBLIC KEY" {
		return address.Zero, errors.New("no PUBLIC KEY block")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return address.Zero, err
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return address.Zero, fmt.Errorf("key type %T is not ed25519", key)
	}
	return address.FromPublicKey(pub)
}

// Validate checks that the settings describe a runnable service.
func (c *Config) Validate() error {
	if c.Issuer.IsZero() {
		return fmt.Errorf("%w: --issuer is required", ErrInvalidConfig)
	}
	if !c.Issuer.IsOnCurve() {
		return fmt.Errorf("%w: issuer %s is not a wallet key", ErrInvalidConfig, c.Issuer)
	}
	if !c.UseMemory && c.PostgresDSN == "" {
		return fmt.Errorf("%w: --postgres-dsn is required (use --use-memory for in-memory storage)", ErrInvalidConfig)
	}
	if c.Decimals > units.MaxDecimals {
		return fmt.Errorf("%w: decimals %d above %d", ErrInvalidConfig, c.Decimals, units.MaxDecimals)
	}
	if _, err := units.Scale(c.WholeSupply, uint8(c.Decimals)); err != nil {
		return fmt.Errorf("%w: supply: %v", ErrInvalidConfig, err)
	}
	if c.SnapshotInterval <= 0 {
		return fmt.Errorf("%w: snapshot interval must be positive", ErrInvalidConfig)
	}
	if _, err := c.Recipient(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Recipient returns the account credited with the supply at issuance.
func (c *Config) Recipient() (address.Address, error) {
	if c.TreasurySeed == "" {
		return c.Issuer, nil
	}
	treasury, _, err := address.Derive([][]byte{[]byte(c.TreasurySeed)}, c.Issuer)
	if err != nil {
		return address.Zero, fmt.Errorf("derive treasury: %w", err)
	}
	return treasury, nil
}

// TokenConfig returns the issuance described by c. Call Validate first.
func (c *Config) TokenConfig() (token.Config, error) {
	recipient, err := c.Recipient()
	if err != nil {
		return token.Config{}, err
	}
	return token.Config{
		Issuer:      recipient,
		TotalSupply: units.MustScale(c.WholeSupply, uint8(c.Decimals)),
		Name:        c.TokenName,
		Symbol:      c.TokenSymbol,
		Decimals:    uint8(c.Decimals),
	}, nil
}

// LoadEnvFile sets variables from a KEY=VALUE file if it exists. Blank lines
// and # comments are skipped; variables already set are kept.
func LoadEnvFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read env file: %w", err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"`)

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
