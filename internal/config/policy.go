package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Policy holds the tunable billing and delivery rules. It is reloaded from
// policy.yml without a restart.
type Policy struct {
	Billing  BillingPolicy  `mapstructure:"billing"`
	Delivery DeliveryPolicy `mapstructure:"delivery"`
}

type BillingPolicy struct {
	// Consecutive failed payments that move an active subscriber to past_due.
	PastDueThreshold int           `mapstructure:"past_due_threshold"`
	MinConfirmations int           `mapstructure:"min_confirmations"`
	OverdueGrace     time.Duration `mapstructure:"overdue_grace"`
}

type DeliveryPolicy struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BaseDelay       time.Duration `mapstructure:"base_delay"`
	MaxDelay        time.Duration `mapstructure:"max_delay"`
	DeactivateAfter int           `mapstructure:"deactivate_after"`
	Workers         int           `mapstructure:"workers"`
}

func DefaultPolicy() Policy {
	return Policy{
		Billing: BillingPolicy{
			PastDueThreshold: 3,
			MinConfirmations: 1,
			OverdueGrace:     72 * time.Hour,
		},
		Delivery: DeliveryPolicy{
			Timeout:         10 * time.Second,
			MaxAttempts:     5,
			BaseDelay:       30 * time.Second,
			MaxDelay:        time.Hour,
			DeactivateAfter: 10,
			Workers:         8,
		},
	}
}

type PolicyHolder struct {
	current atomic.Value // holds Policy
}

// NewStaticPolicyHolder returns a holder that never reloads.
func NewStaticPolicyHolder(p Policy) *PolicyHolder {
	h := &PolicyHolder{}
	h.current.Store(p)
	return h
}

// NewPolicyHolder reads policy.yml from path (or the default search paths)
// and watches it for changes. A missing file yields DefaultPolicy.
func NewPolicyHolder(cfg Config, log *zap.Logger) (*PolicyHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("policy")

	v := viper.New()
	if cfg.PolicyPath != "" {
		v.SetConfigFile(cfg.PolicyPath)
	} else {
		v.SetConfigName("policy")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/subchain")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("SUBCHAIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setPolicyDefaults(v, DefaultPolicy())

	found := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		found = false
	}

	p, err := decodePolicy(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticPolicyHolder(p)
	if !found {
		log.Info("policy file not found, using defaults")
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodePolicy(v)
		if err != nil {
			log.Warn("policy reload ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("policy reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *PolicyHolder) Get() Policy {
	if h == nil {
		return DefaultPolicy()
	}
	p, ok := h.current.Load().(Policy)
	if !ok {
		return DefaultPolicy()
	}
	return p
}

func setPolicyDefaults(v *viper.Viper, p Policy) {
	v.SetDefault("billing.past_due_threshold", p.Billing.PastDueThreshold)
	v.SetDefault("billing.min_confirmations", p.Billing.MinConfirmations)
	v.SetDefault("billing.overdue_grace", p.Billing.OverdueGrace)
	v.SetDefault("delivery.timeout", p.Delivery.Timeout)
	v.SetDefault("delivery.max_attempts", p.Delivery.MaxAttempts)
	v.SetDefault("delivery.base_delay", p.Delivery.BaseDelay)
	v.SetDefault("delivery.max_delay", p.Delivery.MaxDelay)
	v.SetDefault("delivery.deactivate_after", p.Delivery.DeactivateAfter)
	v.SetDefault("delivery.workers", p.Delivery.Workers)
}

func decodePolicy(v *viper.Viper) (Policy, error) {
	var p Policy
	if err := v.Unmarshal(&p); err != nil {
		return Policy{}, err
	}
	if err := validatePolicy(p); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func validatePolicy(p Policy) error {
	switch {
	case p.Billing.PastDueThreshold <= 0:
		return errors.New("billing.past_due_threshold must be positive")
	case p.Billing.MinConfirmations < 0:
		return errors.New("billing.min_confirmations cannot be negative")
	case p.Delivery.Timeout <= 0:
		return errors.New("delivery.timeout must be positive")
	case p.Delivery.MaxAttempts <= 0:
		return errors.New("delivery.max_attempts must be positive")
	case p.Delivery.BaseDelay <= 0 || p.Delivery.MaxDelay < p.Delivery.BaseDelay:
		return errors.New("delivery.base_delay must be positive and not exceed delivery.max_delay")
	case p.Delivery.DeactivateAfter <= 0:
		return errors.New("delivery.deactivate_after must be positive")
	case p.Delivery.Workers <= 0:
		return errors.New("delivery.workers must be positive")
	}
	return nil
}
