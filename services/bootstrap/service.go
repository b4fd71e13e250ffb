package bootstrap

import (
	"context"
	"fmt"

	"smallbiznis-economy/pkg/repository"
	"smallbiznis-economy/services/economy"
	"smallbiznis-economy/services/ledger"
	"smallbiznis-economy/services/reward"
	"smallbiznis-economy/services/shop"
	"smallbiznis-economy/services/streak"
	"smallbiznis-economy/services/task"

	"github.com/gosimple/slug"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Models lists every table the economy owns.
func Models() []any {
	var out []any
	for _, m := range [][]any{
		ledger.Models(),
		streak.Models(),
		reward.Models(),
		shop.Models(),
		economy.Models(),
		task.Models(),
	} {
		out = append(out, m...)
	}
	return out
}

type Service struct {
	db      *gorm.DB
	shop    *shop.Service
	rewards *reward.Service

	bundles     repository.Repository[shop.ContentBundle]
	listings    repository.Repository[shop.Listing]
	definitions repository.Repository[reward.Definition]
}

type ServiceParams struct {
	fx.In
	DB      *gorm.DB
	Shop    *shop.Service
	Rewards *reward.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:      p.DB,
		shop:    p.Shop,
		rewards: p.Rewards,

		bundles:     repository.ProvideStore[shop.ContentBundle](p.DB),
		listings:    repository.ProvideStore[shop.Listing](p.DB),
		definitions: repository.ProvideStore[reward.Definition](p.DB),
	}
}

func (s *Service) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		zap.L().Error("[bootstrap] migration failed", zap.Error(err))
		return fmt.Errorf("auto migrate: %w", err)
	}
	zap.L().Info("[bootstrap] schema migrated")
	return nil
}

type SeedReport struct {
	Bundles  int
	Listings int
	Rewards  int
	Skipped  int
}

// Seed creates the catalog entries that do not exist yet, matched by slug
// or code, so it can run on every deploy.
func (s *Service) Seed(ctx context.Context, c Catalog) (*SeedReport, error) {
	report := &SeedReport{}
	bundleIDs := map[string]string{}

	for _, req := range c.Bundles {
		key := slug.Make(firstNonEmpty(req.Slug, req.Name))
		existing, err := s.bundles.FindOne(ctx, &shop.ContentBundle{Slug: key})
		if err != nil {
			return nil, err
		}
		if existing != nil {
			bundleIDs[key] = existing.ID
			report.Skipped++
			continue
		}

		b, err := s.shop.CreateBundle(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("seed bundle %s: %w", key, err)
		}
		bundleIDs[key] = b.ID
		report.Bundles++
	}

	for _, l := range c.Listings {
		key := slug.Make(firstNonEmpty(l.Slug, l.Title))
		existing, err := s.listings.FindOne(ctx, &shop.Listing{Slug: key})
		if err != nil {
			return nil, err
		}
		if existing != nil {
			report.Skipped++
			continue
		}

		req := l.CreateListingRequest
		req.ContentBundleID = bundleIDs[slug.Make(l.Bundle)]
		if _, err := s.shop.CreateListing(ctx, req); err != nil {
			return nil, fmt.Errorf("seed listing %s: %w", key, err)
		}
		report.Listings++
	}

	for _, r := range c.Rewards {
		key := slug.Make(firstNonEmpty(r.Code, r.Name))
		existing, err := s.definitions.FindOne(ctx, &reward.Definition{Code: key})
		if err != nil {
			return nil, err
		}
		if existing != nil {
			report.Skipped++
			continue
		}

		req := r.CreateRewardRequest
		if r.Bundle != "" {
			req.ContentBundleID = bundleIDs[slug.Make(r.Bundle)]
		}
		if _, err := s.rewards.CreateReward(ctx, req); err != nil {
			return nil, fmt.Errorf("seed reward %s: %w", key, err)
		}
		report.Rewards++
	}

	zap.L().Info("[bootstrap] catalog seeded",
		zap.Int("bundles", report.Bundles),
		zap.Int("listings", report.Listings),
		zap.Int("rewards", report.Rewards),
		zap.Int("skipped", report.Skipped),
	)
	return report, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
