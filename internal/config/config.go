// Package config loads settlement client configuration from defaults, an
// optional settle.yaml, a .env file and SETTLE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	settlesvm "github.com/waddle-labs/settle/mechanisms/svm"
)

// EnvPrefix namespaces environment overrides, e.g. SETTLE_RPC_URL.
const EnvPrefix = "SETTLE"

// Config is the resolved configuration shared by settlectl and devverifier.
type Config struct {
	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level"`

	Network          string        `mapstructure:"network"`
	RPCURL           string        `mapstructure:"rpc_url"`
	PrivateKey       string        `mapstructure:"private_key"`
	ComputeUnitPrice uint64        `mapstructure:"compute_unit_price"`
	ConfirmTimeout   time.Duration `mapstructure:"confirm_timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	SignTimeout      time.Duration `mapstructure:"sign_timeout"`
	SuffixHints      []string      `mapstructure:"suffix_hints"`

	ChannelURL          string        `mapstructure:"channel_url"`
	ChannelToken        string        `mapstructure:"channel_token"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	WriteTimeout        time.Duration `mapstructure:"write_timeout"`
	EligibilityTimeout  time.Duration `mapstructure:"eligibility_timeout"`
	VerificationTimeout time.Duration `mapstructure:"verification_timeout"`

	Treasury      string `mapstructure:"treasury"`
	MinWithdrawal uint64 `mapstructure:"min_withdrawal"`
	RakeBps       uint32 `mapstructure:"rake_bps"`

	DatabasePath string `mapstructure:"database_path"`

	VerifierListen string `mapstructure:"verifier_listen"`
}

// New returns a viper instance with defaults and environment binding applied.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("network", "solana-devnet")
	v.SetDefault("rpc_url", "")
	v.SetDefault("private_key", "")
	v.SetDefault("compute_unit_price", 1)
	v.SetDefault("confirm_timeout", "60s")
	v.SetDefault("poll_interval", "2s")
	v.SetDefault("sign_timeout", "2m")
	v.SetDefault("suffix_hints", []string{"pump"})

	v.SetDefault("channel_url", "ws://127.0.0.1:8787/ws")
	v.SetDefault("channel_token", "")
	v.SetDefault("request_timeout", "30s")
	v.SetDefault("write_timeout", "10s")
	v.SetDefault("eligibility_timeout", "10s")
	v.SetDefault("verification_timeout", "30s")

	v.SetDefault("treasury", "")
	v.SetDefault("min_withdrawal", 100)
	v.SetDefault("rake_bps", 500)

	v.SetDefault("database_path", "./settle.db")
	v.SetDefault("verifier_listen", ":8787")
}

// Load reads file, or settle.yaml from the working directory and
// $HOME/.settle when file is empty. A missing default file is not an error.
func Load(v *viper.Viper, file string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("settle")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.settle")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	if !settlesvm.IsValidNetwork(c.Network) {
		return fmt.Errorf("unsupported network %q", c.Network)
	}
	if c.Treasury != "" && !settlesvm.ValidateSolanaAddress(c.Treasury) {
		return fmt.Errorf("treasury %q is not a valid address", c.Treasury)
	}
	if c.RakeBps >= 10_000 {
		return fmt.Errorf("rake_bps must be below 10000, got %d", c.RakeBps)
	}
	for name, d := range map[string]time.Duration{
		"confirm_timeout":      c.ConfirmTimeout,
		"poll_interval":        c.PollInterval,
		"request_timeout":      c.RequestTimeout,
		"eligibility_timeout":  c.EligibilityTimeout,
		"verification_timeout": c.VerificationTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}
