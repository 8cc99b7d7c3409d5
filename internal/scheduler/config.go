package scheduler

import (
	"time"

	"github.com/smallbiznis/tablepay/internal/config"
)

const (
	JobReconcilePayments   = "reconcile_pending_payments"
	JobReconcileRefunds    = "reconcile_pending_refunds"
	JobCloseSettlements    = "close_settlements"
	JobComputeRevenueShare = "compute_revenue_shares"
)

// Config controls scheduler intervals, cron specs and batch sizes.
type Config struct {
	RunInterval       time.Duration
	BatchSize         int
	EnabledJobs       []string
	SettlementCron    string
	RevenueShareCron  string
	PendingPaymentAge time.Duration
	PendingRefundAge  time.Duration
	Location          *time.Location
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       time.Minute,
		BatchSize:         100,
		SettlementCron:    "15 0 * * *",
		RevenueShareCron:  "30 3 1 * *",
		PendingPaymentAge: 2 * time.Minute,
		PendingRefundAge:  5 * time.Minute,
		Location:          time.UTC,
	}
}

// ProvideConfig maps the SCHEDULER_* environment onto Config.
func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:       cfg.Scheduler.RunInterval,
		BatchSize:         cfg.Scheduler.BatchSize,
		EnabledJobs:       cfg.Scheduler.EnabledJobs,
		SettlementCron:    cfg.Scheduler.SettlementCron,
		RevenueShareCron:  cfg.Scheduler.RevenueShareCron,
		PendingPaymentAge: cfg.Scheduler.PendingPaymentAge,
		PendingRefundAge:  cfg.Scheduler.PendingRefundAge,
		Location:          cfg.Location(),
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.SettlementCron == "" {
		c.SettlementCron = defaults.SettlementCron
	}
	if c.RevenueShareCron == "" {
		c.RevenueShareCron = defaults.RevenueShareCron
	}
	if c.PendingPaymentAge <= 0 {
		c.PendingPaymentAge = defaults.PendingPaymentAge
	}
	if c.PendingRefundAge <= 0 {
		c.PendingRefundAge = defaults.PendingRefundAge
	}
	if c.Location == nil {
		c.Location = defaults.Location
	}
	return c
}
