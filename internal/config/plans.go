package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// PlanSpec binds a sellable plan to its provider price.
type PlanSpec struct {
	PriceID string `mapstructure:"priceId"`
}

// PlansConfig is the hot-reloadable commercial configuration: the plan
// catalog plus the cancellation windows.
type PlansConfig struct {
	Plans             map[string]PlanSpec `mapstructure:"plans"`
	CoolingPeriodDays int                 `mapstructure:"coolingPeriodDays"`
	DeletionGraceDays int                 `mapstructure:"deletionGraceDays"`
}

func DefaultPlansConfig() PlansConfig {
	return PlansConfig{
		Plans: map[string]PlanSpec{
			"monthly": {PriceID: ""},
			"annual":  {PriceID: ""},
		},
		CoolingPeriodDays: 14,
		DeletionGraceDays: 14,
	}
}

// PriceFor returns the provider price id configured for a plan.
func (c PlansConfig) PriceFor(plan string) (string, bool) {
	spec, ok := c.Plans[strings.ToLower(strings.TrimSpace(plan))]
	if !ok {
		return "", false
	}
	return spec.PriceID, spec.PriceID != ""
}

// PlanForPrice reverse-maps a provider price id to a plan name.
func (c PlansConfig) PlanForPrice(priceID string) (string, bool) {
	priceID = strings.TrimSpace(priceID)
	if priceID == "" {
		return "", false
	}
	for plan, spec := range c.Plans {
		if spec.PriceID == priceID {
			return plan, true
		}
	}
	return "", false
}

type PlansConfigHolder struct {
	current atomic.Value // holds PlansConfig
}

func NewPlansConfigHolder() (*PlansConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("plans")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/licensing/config")
	v.AddConfigPath("/etc/licensing")
	v.AddConfigPath(".")

	v.SetEnvPrefix("LICENSING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPlansConfig()
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		v.SetDefault("licensing.plans", defaults.Plans)
		v.SetDefault("licensing.coolingPeriodDays", defaults.CoolingPeriodDays)
		v.SetDefault("licensing.deletionGraceDays", defaults.DeletionGraceDays)
	}

	var cfg PlansConfig
	if err := v.UnmarshalKey("licensing", &cfg); err != nil {
		return nil, err
	}
	cfg = withPlanDefaults(cfg)
	if err := validatePlansConfig(cfg); err != nil {
		return nil, err
	}

	holder := &PlansConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PlansConfig
		if err := v.UnmarshalKey("licensing", &updated); err != nil {
			log.Printf("[plans-config] reload failed: %v", err)
			return
		}
		updated = withPlanDefaults(updated)
		if err := validatePlansConfig(updated); err != nil {
			log.Printf("[plans-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[plans-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *PlansConfigHolder) Get() PlansConfig {
	return h.current.Load().(PlansConfig)
}

// NewStaticPlansHolder returns a holder pinned to the given config. Test seam.
func NewStaticPlansHolder(cfg PlansConfig) *PlansConfigHolder {
	holder := &PlansConfigHolder{}
	holder.current.Store(withPlanDefaults(cfg))
	return holder
}

func withPlanDefaults(cfg PlansConfig) PlansConfig {
	defaults := DefaultPlansConfig()
	if cfg.Plans == nil {
		cfg.Plans = defaults.Plans
	}
	if cfg.CoolingPeriodDays <= 0 {
		cfg.CoolingPeriodDays = defaults.CoolingPeriodDays
	}
	if cfg.DeletionGraceDays <= 0 {
		cfg.DeletionGraceDays = defaults.DeletionGraceDays
	}
	return cfg
}

func validatePlansConfig(cfg PlansConfig) error {
	if len(cfg.Plans) == 0 {
		return errors.New("licensing.plans cannot be empty")
	}
	return nil
}
