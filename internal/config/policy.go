package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// DisputePolicy holds the tunable windows and thresholds of the dispute engine.
type DisputePolicy struct {
	NegotiationWindow       time.Duration `mapstructure:"negotiationWindow"`
	OptionsWindow           time.Duration `mapstructure:"optionsWindow"`
	ReviewWindow            time.Duration `mapstructure:"reviewWindow"`
	ExternalFee             int64         `mapstructure:"externalFee"` // major currency units
	ClusterTolerancePercent float64       `mapstructure:"clusterTolerancePercent"`
	ModelTimeout            time.Duration `mapstructure:"modelTimeout"`
	MaxEvidence             int           `mapstructure:"maxEvidence"`
	LazyGeneration          bool          `mapstructure:"lazyGeneration"`
}

func DefaultDisputePolicy() DisputePolicy {
	return DisputePolicy{
		NegotiationWindow:       7 * 24 * time.Hour,
		OptionsWindow:           7 * 24 * time.Hour,
		ReviewWindow:            24 * time.Hour,
		ExternalFee:             25,
		ClusterTolerancePercent: 10,
		ModelTimeout:            45 * time.Second,
		MaxEvidence:             20,
		LazyGeneration:          true,
	}
}

// PolicySource is implemented by anything that can hand out the current policy.
type PolicySource interface {
	Get() DisputePolicy
}

type DisputePolicyHolder struct {
	current atomic.Value // holds DisputePolicy
}

// NewDisputePolicyHolder reads dispute.yml from the configured paths and
// watches it for changes. A missing file falls back to defaults.
func NewDisputePolicyHolder(cfg Config) (*DisputePolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("dispute")
	v.SetConfigType("yml")
	for _, path := range cfg.PolicyPaths {
		v.AddConfigPath(path)
	}

	v.SetEnvPrefix("ARBITER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setPolicyDefaults(v, DefaultDisputePolicy())

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileFound = false
	}

	policy, err := decodePolicy(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticPolicyHolder(policy)
	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log := zap.L().Named("config.policy")
		updated, err := decodePolicy(v)
		if err != nil {
			log.Warn("dispute policy reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("dispute policy reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

// NewStaticPolicyHolder returns a holder that never reloads.
func NewStaticPolicyHolder(policy DisputePolicy) *DisputePolicyHolder {
	holder := &DisputePolicyHolder{}
	holder.current.Store(policy)
	return holder
}

func (h *DisputePolicyHolder) Get() DisputePolicy {
	return h.current.Load().(DisputePolicy)
}

func setPolicyDefaults(v *viper.Viper, defaults DisputePolicy) {
	v.SetDefault("dispute.negotiationWindow", defaults.NegotiationWindow.String())
	v.SetDefault("dispute.optionsWindow", defaults.OptionsWindow.String())
	v.SetDefault("dispute.reviewWindow", defaults.ReviewWindow.String())
	v.SetDefault("dispute.externalFee", defaults.ExternalFee)
	v.SetDefault("dispute.clusterTolerancePercent", defaults.ClusterTolerancePercent)
	v.SetDefault("dispute.modelTimeout", defaults.ModelTimeout.String())
	v.SetDefault("dispute.maxEvidence", defaults.MaxEvidence)
	v.SetDefault("dispute.lazyGeneration", defaults.LazyGeneration)
}

// decodePolicy reads every key through viper's lookup chain so a file that
// sets only some keys still picks up env overrides and defaults for the rest.
func decodePolicy(v *viper.Viper) (DisputePolicy, error) {
	var errs []error
	duration := func(key string) time.Duration {
		d, err := cast.ToDurationE(v.Get(key))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return d
	}

	policy := DisputePolicy{
		NegotiationWindow: duration("dispute.negotiationWindow"),
		OptionsWindow:     duration("dispute.optionsWindow"),
		ReviewWindow:      duration("dispute.reviewWindow"),
		ModelTimeout:      duration("dispute.modelTimeout"),
	}
	var err error
	if policy.ExternalFee, err = cast.ToInt64E(v.Get("dispute.externalFee")); err != nil {
		errs = append(errs, fmt.Errorf("dispute.externalFee: %w", err))
	}
	if policy.ClusterTolerancePercent, err = cast.ToFloat64E(v.Get("dispute.clusterTolerancePercent")); err != nil {
		errs = append(errs, fmt.Errorf("dispute.clusterTolerancePercent: %w", err))
	}
	if policy.MaxEvidence, err = cast.ToIntE(v.Get("dispute.maxEvidence")); err != nil {
		errs = append(errs, fmt.Errorf("dispute.maxEvidence: %w", err))
	}
	if policy.LazyGeneration, err = cast.ToBoolE(v.Get("dispute.lazyGeneration")); err != nil {
		errs = append(errs, fmt.Errorf("dispute.lazyGeneration: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return DisputePolicy{}, err
	}
	if err := ValidateDisputePolicy(policy); err != nil {
		return DisputePolicy{}, err
	}
	return policy, nil
}

func ValidateDisputePolicy(p DisputePolicy) error {
	if p.NegotiationWindow <= 0 {
		return errors.New("dispute.negotiationWindow must be positive")
	}
	if p.OptionsWindow <= 0 {
		return errors.New("dispute.optionsWindow must be positive")
	}
	if p.ReviewWindow <= 0 {
		return errors.New("dispute.reviewWindow must be positive")
	}
	if p.ExternalFee < 0 {
		return errors.New("dispute.externalFee cannot be negative")
	}
	if p.ClusterTolerancePercent <= 0 || p.ClusterTolerancePercent > 100 {
		return errors.New("dispute.clusterTolerancePercent must be in (0, 100]")
	}
	if p.ModelTimeout <= 0 {
		return errors.New("dispute.modelTimeout must be positive")
	}
	if p.MaxEvidence <= 0 {
		return errors.New("dispute.maxEvidence must be positive")
	}
	return nil
}
