package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// LedgerConfig holds ledger policy that can change without a restart.
type LedgerConfig struct {
	// OverpayEpsilon is the tolerance, in minor units, above the bill balance a payment may carry.
	OverpayEpsilon     int64         `mapstructure:"overpayEpsilon"`
	AutoReopenOnRefund bool          `mapstructure:"autoReopenOnRefund"`
	StormWindow        time.Duration `mapstructure:"stormWindow"`
	StormThresholds    StormConfig   `mapstructure:"stormThresholds"`

	// DefaultCommissionRate applies to restaurants whose own rate is blank, as a percent.
	DefaultCommissionRate string `mapstructure:"defaultCommissionRate"`
}

// StormConfig sets how many events of a kind inside StormWindow raise an alert.
type StormConfig struct {
	SignatureFailures int64 `mapstructure:"signatureFailures"`
	PayoutConflicts   int64 `mapstructure:"payoutConflicts"`
	GatewayErrors     int64 `mapstructure:"gatewayErrors"`
}

func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		OverpayEpsilon:     1,
		AutoReopenOnRefund: true,
		StormWindow:        5 * time.Minute,
		StormThresholds: StormConfig{
			SignatureFailures: 20,
			PayoutConflicts:   5,
			GatewayErrors:     10,
		},
		DefaultCommissionRate: "0",
	}
}

type LedgerConfigHolder struct {
	current atomic.Value // holds LedgerConfig
}

// NewLedgerConfigHolder loads ledger.yml and watches it for changes.
func NewLedgerConfigHolder() (*LedgerConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("ledger")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/tablepay/config")
	v.AddConfigPath("/etc/tablepay")
	v.AddConfigPath(".")

	v.SetEnvPrefix("TABLEPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultLedgerConfig()
	v.SetDefault("ledger.overpayEpsilon", defaults.OverpayEpsilon)
	v.SetDefault("ledger.autoReopenOnRefund", defaults.AutoReopenOnRefund)
	v.SetDefault("ledger.stormWindow", defaults.StormWindow)
	v.SetDefault("ledger.stormThresholds.signatureFailures", defaults.StormThresholds.SignatureFailures)
	v.SetDefault("ledger.stormThresholds.payoutConflicts", defaults.StormThresholds.PayoutConflicts)
	v.SetDefault("ledger.stormThresholds.gatewayErrors", defaults.StormThresholds.GatewayErrors)
	v.SetDefault("ledger.defaultCommissionRate", defaults.DefaultCommissionRate)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	var cfg LedgerConfig
	if err := v.UnmarshalKey("ledger", &cfg); err != nil {
		return nil, err
	}
	if err := validateLedgerConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticLedgerConfig(cfg)
	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated LedgerConfig
		if err := v.UnmarshalKey("ledger", &updated); err != nil {
			log.Printf("[ledger-config] reload failed: %v", err)
			return
		}
		if err := validateLedgerConfig(updated); err != nil {
			log.Printf("[ledger-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[ledger-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticLedgerConfig returns a holder that never reloads.
func NewStaticLedgerConfig(cfg LedgerConfig) *LedgerConfigHolder {
	holder := &LedgerConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *LedgerConfigHolder) Get() LedgerConfig {
	if h == nil {
		return DefaultLedgerConfig()
	}
	return h.current.Load().(LedgerConfig)
}

func validateLedgerConfig(cfg LedgerConfig) error {
	if cfg.OverpayEpsilon < 0 {
		return errors.New("ledger.overpayEpsilon cannot be negative")
	}
	if cfg.StormWindow <= 0 {
		return errors.New("ledger.stormWindow must be positive")
	}
	if rate := strings.TrimSpace(cfg.DefaultCommissionRate); rate != "" {
		parsed, err := decimal.NewFromString(rate)
		if err != nil || parsed.IsNegative() || parsed.GreaterThan(decimal.NewFromInt(100)) {
			return errors.New("ledger.defaultCommissionRate must be a percent between 0 and 100")
		}
	}
	return nil
}
