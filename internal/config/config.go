// Package config handles configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/gateway-fm/perpsim/internal/cluster"
	"github.com/gateway-fm/perpsim/internal/scenario"
)

// Config holds simulator configuration.
type Config struct {
	// Cluster names an entry of cluster.DefaultRegistry.
	Cluster string
	// RPCURL and WSURL default to the cluster's endpoints when empty.
	RPCURL     string
	WSURL      string
	GatewayURL string

	KeypairsDir string
	AccountsDir string

	DatabasePath       string
	ListenAddr         string
	CORSAllowedOrigins string
	LogLevel           string

	SlackToken   string
	SlackChannel string
	Commit       string

	KeeperFlagFile string
	ResultsCSV     string
	// ValidatorScript starts a local validator before the workflow when set.
	ValidatorScript string
	ValidatorLog    string

	// RateLimit paces admin actions per second; zero is unlimited.
	RateLimit float64
	// ScenarioFile is a YAML file overriding Timings.
	ScenarioFile string
	Timings      scenario.Timings

	// Resolved holds the cluster after Resolve.
	Resolved *cluster.Cluster
}

// Defaults
const (
	DefaultCluster            = "localnet"
	DefaultGatewayURL         = "http://localhost:13100"
	DefaultKeypairsDir        = "keypairs"
	DefaultDatabasePath       = "./data/perpsim.db"
	DefaultListenAddr         = ":13002"
	DefaultCORSAllowedOrigins = "*"
	DefaultLogLevel           = "info"
	DefaultResultsCSV         = "results.csv"
	DefaultValidatorLog       = "node.txt"
)

// Environment variables.
const (
	EnvRPCURL          = "SOLANA_RPC_URL"
	EnvWSURL           = "SOLANA_WS_URL"
	EnvGatewayURL      = "EXCHANGE_GATEWAY_URL"
	EnvCluster         = "CLUSTER"
	EnvKeypairsDir     = "KEYPAIRS_DIR"
	EnvAccountsDir     = "ACCOUNTS_DIR"
	EnvDatabasePath    = "DATABASE_PATH"
	EnvListenAddr      = "LISTEN_ADDR"
	EnvCORSOrigins     = "CORS_ALLOWED_ORIGINS"
	EnvLogLevel        = "LOG_LEVEL"
	EnvSlackToken      = "SLACK_BOT_TOKEN"
	EnvSlackChannel    = "SLACK_CHANNEL"
	EnvCommit          = "COMMIT"
	EnvKeeperFlagFile  = "KEEPER_FLAG_FILE"
	EnvResultsCSV      = "RESULTS_CSV"
	EnvValidatorScript = "VALIDATOR_SCRIPT"
	EnvRateLimit       = "RATE_LIMIT"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Cluster:            DefaultCluster,
		GatewayURL:         DefaultGatewayURL,
		KeypairsDir:        DefaultKeypairsDir,
		DatabasePath:       DefaultDatabasePath,
		ListenAddr:         DefaultListenAddr,
		CORSAllowedOrigins: DefaultCORSAllowedOrigins,
		LogLevel:           DefaultLogLevel,
		KeeperFlagFile:     scenario.DefaultKeeperFlagFile,
		ResultsCSV:         DefaultResultsCSV,
		ValidatorLog:       DefaultValidatorLog,
		Timings:            scenario.DefaultTimings(),
	}
}

// Load returns the defaults overridden by the process environment.
// Flags bound with BindFlags are applied when the command line is parsed.
func Load() (*Config, error) {
	cfg := Default()
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	strs := map[string]*string{
		EnvRPCURL:          &c.RPCURL,
		EnvWSURL:           &c.WSURL,
		EnvGatewayURL:      &c.GatewayURL,
		EnvCluster:         &c.Cluster,
		EnvKeypairsDir:     &c.KeypairsDir,
		EnvAccountsDir:     &c.AccountsDir,
		EnvDatabasePath:    &c.DatabasePath,
		EnvListenAddr:      &c.ListenAddr,
		EnvCORSOrigins:     &c.CORSAllowedOrigins,
		EnvLogLevel:        &c.LogLevel,
		EnvSlackToken:      &c.SlackToken,
		EnvSlackChannel:    &c.SlackChannel,
		EnvCommit:          &c.Commit,
		EnvKeeperFlagFile:  &c.KeeperFlagFile,
		EnvResultsCSV:      &c.ResultsCSV,
		EnvValidatorScript: &c.ValidatorScript,
	}
	for env, field := range strs {
		if v := getenv(env); v != "" {
			*field = v
		}
	}
	if v := getenv(EnvRateLimit); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRateLimit, err)
		}
		c.RateLimit = rate
	}
	return nil
}

// BindFlags registers flags that override the current values.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Cluster, "cluster", c.Cluster, "cluster name (localnet, devnet)")
	fs.StringVar(&c.RPCURL, "rpc", c.RPCURL, "ledger RPC URL (default: cluster RPC)")
	fs.StringVar(&c.WSURL, "ws", c.WSURL, "ledger websocket URL (default: cluster websocket)")
	fs.StringVar(&c.GatewayURL, "gateway", c.GatewayURL, "exchange gateway URL")
	fs.StringVar(&c.KeypairsDir, "keypairs", c.KeypairsDir, "directory of keypair files")
	fs.StringVar(&c.AccountsDir, "accounts", c.AccountsDir, "directory of user account JSON files")
	fs.StringVar(&c.DatabasePath, "db", c.DatabasePath, "SQLite database path (empty disables run history)")
	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "status API listen address (empty disables it)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&c.KeeperFlagFile, "keeper-flag-file", c.KeeperFlagFile, "file the keeper bot creates when done")
	fs.StringVar(&c.ResultsCSV, "results", c.ResultsCSV, "results CSV path")
	fs.StringVar(&c.ValidatorScript, "validator-script", c.ValidatorScript, "script that starts a local validator")
	fs.Float64Var(&c.RateLimit, "rate", c.RateLimit, "admin actions per second (0 = unlimited)")
	fs.StringVar(&c.ScenarioFile, "config", c.ScenarioFile, "YAML file with workflow timings")
}

// LoadScenarioFile reads ScenarioFile, when set, over Timings. Keys absent
// from the file keep their current value.
func (c *Config) LoadScenarioFile() error {
	if c.ScenarioFile == "" {
		return nil
	}
	data, err := os.ReadFile(c.ScenarioFile)
	if err != nil {
		return fmt.Errorf("read scenario file: %w", err)
	}
	var file struct {
		Timings scenario.Timings `yaml:"timings"`
	}
	file.Timings = c.Timings
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse scenario file %s: %w", c.ScenarioFile, err)
	}
	c.Timings = file.Timings
	return nil
}

// Resolve looks up the cluster and fills the ledger endpoints from it.
func (c *Config) Resolve() error {
	cl := cluster.DefaultRegistry().Get(c.Cluster)
	if cl == nil {
		return fmt.Errorf("unknown cluster: %s (supported: %s)",
			c.Cluster, strings.Join(cluster.DefaultRegistry().Names(), ", "))
	}
	c.Resolved = cl
	if c.RPCURL == "" {
		c.RPCURL = cl.RPCURL
	}
	if c.WSURL == "" {
		c.WSURL = cl.WSURL
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return errors.New("ledger RPC URL is required")
	}
	if err := checkURL("ledger RPC URL", c.RPCURL, "http", "https"); err != nil {
		return err
	}
	if c.WSURL != "" {
		if err := checkURL("ledger websocket URL", c.WSURL, "ws", "wss"); err != nil {
			return err
		}
	}
	if c.GatewayURL == "" {
		return errors.New("exchange gateway URL is required")
	}
	if err := checkURL("exchange gateway URL", c.GatewayURL, "http", "https"); err != nil {
		return err
	}
	if c.KeypairsDir == "" {
		return errors.New("keypairs directory is required")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.RateLimit < 0 {
		return errors.New("rate limit cannot be negative")
	}
	if (c.SlackToken == "") != (c.SlackChannel == "") {
		return fmt.Errorf("%s and %s must be set together", EnvSlackToken, EnvSlackChannel)
	}
	return c.validateTimings()
}

func (c *Config) validateTimings() error {
	t := c.Timings
	if t.ExpiryOffset <= 0 {
		return errors.New("timings: expiry_offset must be positive")
	}
	if t.MaxSettleAttempts <= 0 {
		return errors.New("timings: max_settle_attempts must be positive")
	}
	if t.KeeperPoll <= 0 {
		return errors.New("timings: keeper_poll must be positive")
	}
	waits := map[string]int64{
		"lp_removal_wait":    int64(t.LPRemovalWait),
		"lp_settle_wait":     int64(t.LPSettleWait),
		"market_settle_wait": int64(t.MarketSettleWait),
		"cancel_wait":        int64(t.CancelWait),
		"keeper_wait":        int64(t.KeeperWait),
		"airdrop_wait":       int64(t.AirdropWait),
		"initialize_wait":    int64(t.InitializeWait),
		"subscribe_wait":     int64(t.SubscribeWait),
		"oracle_settle":      int64(t.OracleSettle),
		"quote_settle":       int64(t.QuoteSettle),
		"setup_wait":         int64(t.SetupWait),
	}
	for name, d := range waits {
		if d < 0 {
			return fmt.Errorf("timings: %s cannot be negative", name)
		}
	}
	return nil
}

func checkURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s %q must be an absolute %s URL", name, raw, strings.Join(schemes, "/"))
}

// ParseLogLevel maps a level name to a slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}
