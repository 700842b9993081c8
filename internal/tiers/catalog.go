package tiers

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/sync/singleflight"
)

// RepositoryPort abstracts catalog persistence for the service.
type RepositoryPort interface {
	ListActiveTiers(ctx context.Context) ([]ConversionTier, error)
	GetTemplate(ctx context.Context, storeID, category string) (TierTemplate, error)
	GetTemplateByID(ctx context.Context, id string) (TierTemplate, error)
}

// Catalog resolves QR prefixes to tiers and validates conversions.
// Reads go through a redis cache with singleflight collapse so the
// scan hot path stays cheap under concurrent load.
type Catalog struct {
	repo   RepositoryPort
	cache  *Cache
	logger *slog.Logger
	group  singleflight.Group
}

// NewCatalog builds a Catalog.
func NewCatalog(repo RepositoryPort, cache *Cache, logger *slog.Logger) *Catalog {
	return &Catalog{repo: repo, cache: cache, logger: logger}
}

func (c *Catalog) allTiers(ctx context.Context) ([]ConversionTier, error) {
	if tiers, ok := c.cache.GetCatalog(ctx); ok {
		return tiers, nil
	}
	result, err, _ := c.group.Do(catalogCacheKey, func() (any, error) {
		tiers, err := c.repo.ListActiveTiers(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.cache.SetCatalog(ctx, tiers); err != nil && c.logger != nil {
			c.logger.Warn("cache tier catalog", slog.Any("error", err))
		}
		return tiers, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]ConversionTier), nil
}

// ResolveByPrefix decodes the tier from a QR code by longest matching
// prefix. Codes are laid out as <tierQRPrefix><uuid>.
func (c *Catalog) ResolveByPrefix(ctx context.Context, code string) (ConversionTier, error) {
	tiers, err := c.allTiers(ctx)
	if err != nil {
		return ConversionTier{}, err
	}
	var best ConversionTier
	found := false
	for _, tier := range tiers {
		if tier.QRPrefix == "" || !strings.HasPrefix(code, tier.QRPrefix) {
			continue
		}
		if !found || len(tier.QRPrefix) > len(best.QRPrefix) {
			best = tier
			found = true
		}
	}
	if !found {
		return ConversionTier{}, ErrTierNotFound
	}
	return best, nil
}

// TierByID returns a tier by its id.
func (c *Catalog) TierByID(ctx context.Context, id string) (ConversionTier, error) {
	tiers, err := c.allTiers(ctx)
	if err != nil {
		return ConversionTier{}, err
	}
	for _, tier := range tiers {
		if tier.ID == id {
			return tier, nil
		}
	}
	return ConversionTier{}, ErrTierNotFound
}

// TemplateFor returns the store/category scoped template.
func (c *Catalog) TemplateFor(ctx context.Context, storeID, category string) (TierTemplate, error) {
	return c.repo.GetTemplate(ctx, storeID, category)
}

// TemplateForTier returns the template governing a tier.
func (c *Catalog) TemplateForTier(ctx context.Context, tierID string) (TierTemplate, error) {
	tier, err := c.TierByID(ctx, tierID)
	if err != nil {
		return TierTemplate{}, err
	}
	return c.repo.GetTemplateByID(ctx, tier.TemplateID)
}

// PlanConversion validates the edge between two tiers and computes the
// split plan for a source quantity.
func (c *Catalog) PlanConversion(ctx context.Context, fromID, toID string, sourceQty float64) (ConversionPlan, error) {
	from, err := c.TierByID(ctx, fromID)
	if err != nil {
		return ConversionPlan{}, err
	}
	to, err := c.TierByID(ctx, toID)
	if err != nil {
		return ConversionPlan{}, err
	}
	tmpl, err := c.repo.GetTemplateByID(ctx, from.TemplateID)
	if err != nil {
		return ConversionPlan{}, err
	}
	return PlanSplit(from, to, sourceQty, tmpl)
}
