package tiers

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists tier catalog data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListActiveTiers returns tiers belonging to active templates.
func (r *Repository) ListActiveTiers(ctx context.Context) ([]ConversionTier, error) {
	if r == nil {
		return nil, errors.New("tiers repository not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT t.id, t.template_id, t.label, t.quantity, t.base_unit, t.tier_level, t.location_types, t.qr_prefix, t.can_convert_to, t.label_template
FROM conversion_tiers t
JOIN tier_templates tpl ON tpl.id = t.template_id
WHERE tpl.active
ORDER BY t.template_id, t.tier_level ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tiers := []ConversionTier{}
	for rows.Next() {
		var tier ConversionTier
		if err := rows.Scan(&tier.ID, &tier.TemplateID, &tier.Label, &tier.Quantity, &tier.BaseUnit, &tier.TierLevel, &tier.LocationTypes, &tier.QRPrefix, &tier.CanConvertTo, &tier.LabelTemplate); err != nil {
			return nil, err
		}
		tiers = append(tiers, tier)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tiers, nil
}

// GetTemplate returns the template for one store and category.
func (r *Repository) GetTemplate(ctx context.Context, storeID, category string) (TierTemplate, error) {
	if r == nil {
		return TierTemplate{}, errors.New("tiers repository not initialised")
	}
	var tmpl TierTemplate
	err := r.pool.QueryRow(ctx, `SELECT id, store_id, category, base_unit, track_individual_units, require_scan_on_receive, require_scan_on_transfer, allow_partial_conversion, active
FROM tier_templates WHERE store_id=$1 AND category=$2 AND active`, storeID, category).
		Scan(&tmpl.ID, &tmpl.StoreID, &tmpl.Category, &tmpl.BaseUnit, &tmpl.TrackIndividualUnits, &tmpl.RequireScanOnReceive, &tmpl.RequireScanOnTransfer, &tmpl.AllowPartialConversion, &tmpl.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TierTemplate{}, ErrTemplateNotFound
		}
		return TierTemplate{}, err
	}
	tmpl.Tiers, err = r.listTemplateTiers(ctx, tmpl.ID)
	return tmpl, err
}

// GetTemplateByID returns a template by id regardless of store.
func (r *Repository) GetTemplateByID(ctx context.Context, id string) (TierTemplate, error) {
	if r == nil {
		return TierTemplate{}, errors.New("tiers repository not initialised")
	}
	var tmpl TierTemplate
	err := r.pool.QueryRow(ctx, `SELECT id, store_id, category, base_unit, track_individual_units, require_scan_on_receive, require_scan_on_transfer, allow_partial_conversion, active
FROM tier_templates WHERE id=$1`, id).
		Scan(&tmpl.ID, &tmpl.StoreID, &tmpl.Category, &tmpl.BaseUnit, &tmpl.TrackIndividualUnits, &tmpl.RequireScanOnReceive, &tmpl.RequireScanOnTransfer, &tmpl.AllowPartialConversion, &tmpl.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TierTemplate{}, ErrTemplateNotFound
		}
		return TierTemplate{}, err
	}
	tmpl.Tiers, err = r.listTemplateTiers(ctx, tmpl.ID)
	return tmpl, err
}

func (r *Repository) listTemplateTiers(ctx context.Context, templateID string) ([]ConversionTier, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, template_id, label, quantity, base_unit, tier_level, location_types, qr_prefix, can_convert_to, label_template
FROM conversion_tiers WHERE template_id=$1 ORDER BY tier_level ASC`, templateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tiers := []ConversionTier{}
	for rows.Next() {
		var tier ConversionTier
		if err := rows.Scan(&tier.ID, &tier.TemplateID, &tier.Label, &tier.Quantity, &tier.BaseUnit, &tier.TierLevel, &tier.LocationTypes, &tier.QRPrefix, &tier.CanConvertTo, &tier.LabelTemplate); err != nil {
			return nil, err
		}
		tiers = append(tiers, tier)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tiers, nil
}
