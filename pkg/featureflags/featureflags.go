package featureflags

import (
	"context"
	"errors"

	"smallbiznis-economy/pkg/config"

	"github.com/Flagsmith/flagsmith-go-client/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("featureflags", fx.Provide(ProvideFeatureFlag))

// Feature names checked by the economy.
const (
	FeatureStreakSweep  = "economy_streak_sweep"
	FeatureRewardExpiry = "economy_reward_expiry"
)

var ErrNotConfigured = errors.New("feature flags are not configured")

type FeatureFlag interface {
	Features(ctx context.Context, identifier string) ([]flagsmith.Flag, error)
	Flags(ctx context.Context, identifier string, traits ...*flagsmith.Trait) (flagsmith.Flags, error)
	// Enabled falls back to fallback when the flag service is missing,
	// unreachable or does not know the feature.
	Enabled(ctx context.Context, feature string, fallback bool) bool
}

type featureflag struct {
	client *flagsmith.Client
}

type FeatureParams struct {
	fx.In
	Config *config.Config
}

func ProvideFeatureFlag(p FeatureParams) FeatureFlag {
	if p.Config.Flagsmith.ApiKey == "" {
		return &featureflag{}
	}

	opts := []flagsmith.Option{
		flagsmith.WithBaseURL(p.Config.Flagsmith.Addr),
		flagsmith.WithAnalytics(),
	}

	return &featureflag{
		client: flagsmith.NewClient(p.Config.Flagsmith.ApiKey, opts...),
	}
}

func (s *featureflag) Features(ctx context.Context, identifier string) ([]flagsmith.Flag, error) {
	if s.client == nil {
		return nil, ErrNotConfigured
	}

	flags, err := s.client.GetEnvironmentFlags()
	if err != nil {
		return nil, err
	}

	return flags.AllFlags(), nil
}

func (s *featureflag) Flags(ctx context.Context, identifier string, traits ...*flagsmith.Trait) (flagsmith.Flags, error) {
	if s.client == nil {
		return flagsmith.Flags{}, ErrNotConfigured
	}

	var traitSlice []*flagsmith.Trait
	if len(traits) > 0 {
		traitSlice = traits
	}

	return s.client.GetIdentityFlags(identifier, traitSlice)
}

func (s *featureflag) Enabled(ctx context.Context, feature string, fallback bool) bool {
	if s.client == nil {
		return fallback
	}

	flags, err := s.client.GetEnvironmentFlags()
	if err != nil {
		zap.L().Warn("feature flag lookup failed", zap.String("feature", feature), zap.Error(err))
		return fallback
	}

	enabled, err := flags.IsFeatureEnabled(feature)
	if err != nil {
		return fallback
	}
	return enabled
}

// Static is a fixed flag set for seeds and tests.
type Static map[string]bool

func (s Static) Features(context.Context, string) ([]flagsmith.Flag, error) {
	out := make([]flagsmith.Flag, 0, len(s))
	for name, on := range s {
		out = append(out, flagsmith.Flag{FeatureName: name, Enabled: on})
	}
	return out, nil
}

func (s Static) Flags(context.Context, string, ...*flagsmith.Trait) (flagsmith.Flags, error) {
	return flagsmith.Flags{}, ErrNotConfigured
}

func (s Static) Enabled(_ context.Context, feature string, fallback bool) bool {
	on, ok := s[feature]
	if !ok {
		return fallback
	}
	return on
}
