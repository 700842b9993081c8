package tiers

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type memoryTierRepo struct {
	tiers     []ConversionTier
	templates map[string]TierTemplate
	listCalls int
}

func (r *memoryTierRepo) ListActiveTiers(ctx context.Context) ([]ConversionTier, error) {
	r.listCalls++
	return append([]ConversionTier(nil), r.tiers...), nil
}

func (r *memoryTierRepo) GetTemplate(ctx context.Context, storeID, category string) (TierTemplate, error) {
	tmpl, ok := r.templates[storeID+"/"+category]
	if !ok {
		return TierTemplate{}, ErrTemplateNotFound
	}
	return tmpl, nil
}

func (r *memoryTierRepo) GetTemplateByID(ctx context.Context, id string) (TierTemplate, error) {
	for _, tmpl := range r.templates {
		if tmpl.ID == id {
			return tmpl, nil
		}
	}
	return TierTemplate{}, ErrTemplateNotFound
}

func newTestCatalog(t *testing.T) (*Catalog, *memoryTierRepo) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := &memoryTierRepo{
		tiers: []ConversionTier{
			{ID: "carton", TemplateID: "tmpl-1", Quantity: 100, QRPrefix: "CTN", CanConvertTo: []string{"pack"}},
			{ID: "pack", TemplateID: "tmpl-1", Quantity: 10, QRPrefix: "CTNP", CanConvertTo: []string{"unit"}},
			{ID: "unit", TemplateID: "tmpl-1", Quantity: 1, QRPrefix: "U"},
		},
		templates: map[string]TierTemplate{
			"store-1/flower": {ID: "tmpl-1", StoreID: "store-1", Category: "flower", TrackIndividualUnits: true, AllowPartialConversion: true},
		},
	}
	return NewCatalog(repo, NewCache(client, time.Minute), slog.Default()), repo
}

func TestResolveByPrefixLongestMatch(t *testing.T) {
	catalog, _ := newTestCatalog(t)
	ctx := context.Background()

	tier, err := catalog.ResolveByPrefix(ctx, "CTNP-abc-123")
	require.NoError(t, err)
	require.Equal(t, "pack", tier.ID)

	tier, err = catalog.ResolveByPrefix(ctx, "CTN-abc-123")
	require.NoError(t, err)
	require.Equal(t, "carton", tier.ID)
}

func TestResolveByPrefixUnknown(t *testing.T) {
	catalog, _ := newTestCatalog(t)
	_, err := catalog.ResolveByPrefix(context.Background(), "XYZ-1")
	require.ErrorIs(t, err, ErrTierNotFound)
}

func TestCatalogCachesTierList(t *testing.T) {
	catalog, repo := newTestCatalog(t)
	ctx := context.Background()

	_, err := catalog.TierByID(ctx, "carton")
	require.NoError(t, err)
	_, err = catalog.TierByID(ctx, "pack")
	require.NoError(t, err)
	_, err = catalog.ResolveByPrefix(ctx, "U123")
	require.NoError(t, err)

	require.Equal(t, 1, repo.listCalls, "repeat reads must hit the cache")
}

func TestPlanConversionUsesTemplatePolicy(t *testing.T) {
	catalog, _ := newTestCatalog(t)
	ctx := context.Background()

	plan, err := catalog.PlanConversion(ctx, "carton", "pack", 95)
	require.NoError(t, err)
	require.Equal(t, 9, plan.ChildCount)
	require.InDelta(t, 5.0, plan.Remainder, 1e-9)
	require.True(t, plan.TrackIndividualUnits)
}

func TestPlanConversionRejectsUnknownTier(t *testing.T) {
	catalog, _ := newTestCatalog(t)
	_, err := catalog.PlanConversion(context.Background(), "carton", "ghost", 100)
	require.ErrorIs(t, err, ErrTierNotFound)
}
