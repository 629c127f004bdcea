package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lotscout/api/internal/database"
	"github.com/lotscout/api/internal/models"
)

// HasPoolUpdate carries one parcel's detection outcome for a batch write.
type HasPoolUpdate struct {
	ParcelID uuid.UUID
	HasPool  bool
}

// VerdictUpdate carries one parcel's adjudication outcome for a batch write.
type VerdictUpdate struct {
	ParcelID  uuid.UUID
	Qualifies bool
	Rationale string
}

// ParcelRepository defines the spatial persistence operations the pipeline
// depends on. Writes are upsert-style keyed by parcel identity, so
// concurrent batches touching different parcels never conflict; two
// searches racing on the same parcel are last-write-wins by design.
type ParcelRepository interface {
	// FindIntersecting returns full parcel records whose geometry truly
	// intersects the AOI (PostGIS predicate, not a bbox test), with the
	// given attribute filters applied at the query level.
	FindIntersecting(ctx context.Context, area models.SearchArea, filters models.SearchFilters) ([]models.Parcel, error)

	// CountIntersecting returns how many parcels intersect the AOI,
	// used for the enrichment-trigger decision.
	CountIntersecting(ctx context.Context, area models.SearchArea) (int, error)

	// UpsertBatch inserts parcels keyed by (source, external_id); existing
	// rows get their source attributes refreshed, computed pipeline fields
	// are left untouched.
	UpsertBatch(ctx context.Context, parcels []models.Parcel) error

	// UpdateRearYard persists one parcel's rear-yard estimate.
	UpdateRearYard(ctx context.Context, parcelID uuid.UUID, freeSqft float64, approximate bool) error

	// UpdateHasPoolBatch persists detection outcomes for a batch.
	UpdateHasPoolBatch(ctx context.Context, updates []HasPoolUpdate) error

	// UpdateVerdictBatch persists adjudication verdicts for a batch.
	UpdateVerdictBatch(ctx context.Context, updates []VerdictUpdate) error

	// FindByIDs re-reads full parcel records, used to assemble the final
	// result set after all persisted mutations.
	FindByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Parcel, error)

	// FindFootprints returns the stored building footprints for a parcel.
	FindFootprints(ctx context.Context, parcelID uuid.UUID) ([]models.BuildingFootprint, error)

	// FindRecentDetections returns detections of the given kind for the
	// parcel set created at or after the cutoff, for cache-hit checks.
	FindRecentDetections(ctx context.Context, parcelIDs []uuid.UUID, kind models.DetectionKind, since time.Time) ([]models.ObstacleDetection, error)

	// InsertDetections appends detection records, including negative
	// results so misses are not re-queried within the validity window.
	InsertDetections(ctx context.Context, detections []models.ObstacleDetection) error

	// InsertAdjudicationUsage appends usage rows for cost accounting.
	InsertAdjudicationUsage(ctx context.Context, usage []models.AdjudicationUsage) error
}

// parcelRepository is the concrete pgx implementation of ParcelRepository.
type parcelRepository struct {
	db *database.Database
}

// NewParcelRepository creates a new instance of ParcelRepository.
func NewParcelRepository(db *database.Database) ParcelRepository {
	return &parcelRepository{db: db}
}

const parcelColumns = `
	id,
	source,
	external_id,
	address,
	ST_AsGeoJSON(geom) as geometry,
	ST_AsGeoJSON(centroid) as centroid,
	lot_sqft,
	zoning_code,
	last_sale_price,
	last_sale_date,
	hoa_status,
	has_pool,
	rear_free_sqft,
	rear_approximate,
	qualifies,
	rationale,
	created_at,
	updated_at`

// scanParcel scans one parcel row in parcelColumns order.
func scanParcel(row pgx.Row) (models.Parcel, error) {
	var p models.Parcel
	var geomJSON, centroidJSON []byte

	err := row.Scan(
		&p.ID,
		&p.Source,
		&p.ExternalID,
		&p.Address,
		&geomJSON,
		&centroidJSON,
		&p.LotSqft,
		&p.ZoningCode,
		&p.LastSalePrice,
		&p.LastSaleDate,
		&p.HOAStatus,
		&p.HasPool,
		&p.RearFreeSqft,
		&p.RearApproximate,
		&p.Qualifies,
		&p.Rationale,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return models.Parcel{}, err
	}

	if err := p.Geom.Scan(geomJSON); err != nil {
		return models.Parcel{}, fmt.Errorf("failed to parse geometry for parcel %s: %w", p.ID, err)
	}
	if err := p.Centroid.Scan(centroidJSON); err != nil {
		return models.Parcel{}, fmt.Errorf("failed to parse centroid for parcel %s: %w", p.ID, err)
	}
	return p, nil
}

// FindIntersecting queries parcels that intersect the AOI with compound
// attribute filters. True polygon intersection is PostGIS's job here; the
// pure-geometry layer only ever does bbox approximations.
func (r *parcelRepository) FindIntersecting(ctx context.Context, area models.SearchArea, filters models.SearchFilters) ([]models.Parcel, error) {
	areaJSON, err := area.Geom.Value()
	if err != nil {
		return nil, fmt.Errorf("failed to encode search area: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM parcels
		WHERE ST_Intersects(geom, ST_SetSRID(ST_GeomFromGeoJSON($1), 4326))`, parcelColumns)

	args := []interface{}{areaJSON}
	n := 1

	if filters.MinLotSqft != nil {
		n++
		query += fmt.Sprintf(" AND lot_sqft >= $%d", n)
		args = append(args, *filters.MinLotSqft)
	}
	if filters.MaxLotSqft != nil {
		n++
		query += fmt.Sprintf(" AND lot_sqft <= $%d", n)
		args = append(args, *filters.MaxLotSqft)
	}
	if len(filters.ZoningCodes) > 0 {
		n++
		query += fmt.Sprintf(" AND zoning_code = ANY($%d)", n)
		args = append(args, filters.ZoningCodes)
	}
	if filters.HOA != nil {
		n++
		query += fmt.Sprintf(" AND hoa_status = $%d", n)
		args = append(args, string(*filters.HOA))
	}
	if filters.SaleDateFrom != nil {
		n++
		query += fmt.Sprintf(" AND last_sale_date >= $%d", n)
		args = append(args, *filters.SaleDateFrom)
	}
	if filters.SaleDateTo != nil {
		n++
		query += fmt.Sprintf(" AND last_sale_date <= $%d", n)
		args = append(args, *filters.SaleDateTo)
	}

	// The pool requirement is applied against stored has_pool only when it
	// has already been detected; unknowns pass through so the cv stage can
	// resolve them.
	switch filters.Pool {
	case models.PoolRequire:
		query += " AND (has_pool IS NULL OR has_pool = TRUE)"
	case models.PoolExclude:
		query += " AND (has_pool IS NULL OR has_pool = FALSE)"
	}

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query intersecting parcels: %w", err)
	}
	defer rows.Close()

	var parcels []models.Parcel
	for rows.Next() {
		p, err := scanParcel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan parcel row: %w", err)
		}
		parcels = append(parcels, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating parcel rows: %w", err)
	}

	if parcels == nil {
		parcels = []models.Parcel{}
	}
	return parcels, nil
}

// CountIntersecting returns how many parcels intersect the AOI.
func (r *parcelRepository) CountIntersecting(ctx context.Context, area models.SearchArea) (int, error) {
	areaJSON, err := area.Geom.Value()
	if err != nil {
		return 0, fmt.Errorf("failed to encode search area: %w", err)
	}

	query := `
		SELECT COUNT(*)
		FROM parcels
		WHERE ST_Intersects(geom, ST_SetSRID(ST_GeomFromGeoJSON($1), 4326))`

	var count int
	if err := r.db.Pool.QueryRow(ctx, query, areaJSON).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count intersecting parcels: %w", err)
	}
	return count, nil
}

// UpsertBatch inserts or refreshes parcels keyed by (source, external_id).
// Duplicate enrichment payloads are absorbed by the conflict target, which
// keeps on-demand fetches idempotent under retry.
func (r *parcelRepository) UpsertBatch(ctx context.Context, parcels []models.Parcel) error {
	if len(parcels) == 0 {
		return nil
	}

	const query = `
		INSERT INTO parcels (
			id, source, external_id, address, geom, centroid,
			lot_sqft, zoning_code, last_sale_price, last_sale_date, hoa_status,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			ST_SetSRID(ST_GeomFromGeoJSON($5), 4326),
			ST_SetSRID(ST_GeomFromGeoJSON($6), 4326),
			$7, $8, $9, $10, $11, NOW(), NOW()
		)
		ON CONFLICT (source, external_id) DO UPDATE SET
			address = EXCLUDED.address,
			geom = EXCLUDED.geom,
			centroid = EXCLUDED.centroid,
			lot_sqft = EXCLUDED.lot_sqft,
			zoning_code = EXCLUDED.zoning_code,
			last_sale_price = EXCLUDED.last_sale_price,
			last_sale_date = EXCLUDED.last_sale_date,
			hoa_status = EXCLUDED.hoa_status,
			updated_at = NOW()`

	batch := &pgx.Batch{}
	for _, p := range parcels {
		geomJSON, err := p.Geom.Value()
		if err != nil {
			return fmt.Errorf("failed to encode geometry for parcel %s: %w", p.ExternalID, err)
		}
		centroidJSON, err := p.Centroid.Value()
		if err != nil {
			return fmt.Errorf("failed to encode centroid for parcel %s: %w", p.ExternalID, err)
		}
		batch.Queue(query,
			p.ID, p.Source, p.ExternalID, p.Address, geomJSON, centroidJSON,
			p.LotSqft, p.ZoningCode, p.LastSalePrice, p.LastSaleDate, string(p.HOAStatus),
		)
	}

	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()

	for range parcels {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to upsert parcel batch: %w", err)
		}
	}
	return nil
}

// UpdateRearYard persists one parcel's rear-yard estimate.
func (r *parcelRepository) UpdateRearYard(ctx context.Context, parcelID uuid.UUID, freeSqft float64, approximate bool) error {
	const query = `
		UPDATE parcels
		SET rear_free_sqft = $2, rear_approximate = $3, updated_at = NOW()
		WHERE id = $1`

	if _, err := r.db.Pool.Exec(ctx, query, parcelID, freeSqft, approximate); err != nil {
		return fmt.Errorf("failed to update rear yard for parcel %s: %w", parcelID, err)
	}
	return nil
}

// UpdateHasPoolBatch persists detection outcomes for a batch of parcels.
func (r *parcelRepository) UpdateHasPoolBatch(ctx context.Context, updates []HasPoolUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	const query = `
		UPDATE parcels
		SET has_pool = $2, updated_at = NOW()
		WHERE id = $1`

	batch := &pgx.Batch{}
	for _, u := range updates {
		batch.Queue(query, u.ParcelID, u.HasPool)
	}

	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()

	for range updates {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to update has_pool batch: %w", err)
		}
	}
	return nil
}

// UpdateVerdictBatch persists adjudication verdicts for a batch of parcels.
func (r *parcelRepository) UpdateVerdictBatch(ctx context.Context, updates []VerdictUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	const query = `
		UPDATE parcels
		SET qualifies = $2, rationale = $3, updated_at = NOW()
		WHERE id = $1`

	batch := &pgx.Batch{}
	for _, u := range updates {
		batch.Queue(query, u.ParcelID, u.Qualifies, u.Rationale)
	}

	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()

	for range updates {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to update verdict batch: %w", err)
		}
	}
	return nil
}

// FindByIDs re-reads full parcel records for the given identifier set.
func (r *parcelRepository) FindByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Parcel, error) {
	if len(ids) == 0 {
		return []models.Parcel{}, nil
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM parcels
		WHERE id = ANY($1)`, parcelColumns)

	rows, err := r.db.Pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query parcels by ids: %w", err)
	}
	defer rows.Close()

	var parcels []models.Parcel
	for rows.Next() {
		p, err := scanParcel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan parcel row: %w", err)
		}
		parcels = append(parcels, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating parcel rows: %w", err)
	}

	if parcels == nil {
		parcels = []models.Parcel{}
	}
	return parcels, nil
}

// FindFootprints returns the stored building footprints for a parcel.
func (r *parcelRepository) FindFootprints(ctx context.Context, parcelID uuid.UUID) ([]models.BuildingFootprint, error) {
	const query = `
		SELECT
			id,
			parcel_id,
			ST_AsGeoJSON(geom) as geometry,
			area_sqft,
			kind,
			is_primary,
			source,
			confidence,
			created_at
		FROM footprints
		WHERE parcel_id = $1
		ORDER BY is_primary DESC, area_sqft DESC`

	rows, err := r.db.Pool.Query(ctx, query, parcelID)
	if err != nil {
		return nil, fmt.Errorf("failed to query footprints for parcel %s: %w", parcelID, err)
	}
	defer rows.Close()

	var footprints []models.BuildingFootprint
	for rows.Next() {
		var fp models.BuildingFootprint
		var geomJSON []byte

		err := rows.Scan(
			&fp.ID,
			&fp.ParcelID,
			&geomJSON,
			&fp.AreaSqft,
			&fp.Kind,
			&fp.IsPrimary,
			&fp.Source,
			&fp.Confidence,
			&fp.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan footprint row: %w", err)
		}
		if err := fp.Geom.Scan(geomJSON); err != nil {
			return nil, fmt.Errorf("failed to parse footprint geometry %s: %w", fp.ID, err)
		}
		footprints = append(footprints, fp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating footprint rows: %w", err)
	}

	if footprints == nil {
		footprints = []models.BuildingFootprint{}
	}
	return footprints, nil
}

// FindRecentDetections returns detections of one kind for the parcel set
// created at or after the cutoff. This backs the detection cache: a hit
// within the validity window replaces a fresh detector call.
func (r *parcelRepository) FindRecentDetections(ctx context.Context, parcelIDs []uuid.UUID, kind models.DetectionKind, since time.Time) ([]models.ObstacleDetection, error) {
	if len(parcelIDs) == 0 {
		return []models.ObstacleDetection{}, nil
	}

	const query = `
		SELECT
			id,
			parcel_id,
			kind,
			ST_AsGeoJSON(geom) as geometry,
			confidence,
			detected_at
		FROM obstacle_detections
		WHERE parcel_id = ANY($1)
		  AND kind = $2
		  AND detected_at >= $3
		ORDER BY detected_at DESC`

	rows, err := r.db.Pool.Query(ctx, query, parcelIDs, string(kind), since)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent detections: %w", err)
	}
	defer rows.Close()

	var detections []models.ObstacleDetection
	for rows.Next() {
		var d models.ObstacleDetection
		var geomJSON []byte

		err := rows.Scan(&d.ID, &d.ParcelID, &d.Kind, &geomJSON, &d.Confidence, &d.DetectedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan detection row: %w", err)
		}
		if len(geomJSON) > 0 {
			if err := d.Geom.Scan(geomJSON); err != nil {
				return nil, fmt.Errorf("failed to parse detection geometry %s: %w", d.ID, err)
			}
		}
		detections = append(detections, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating detection rows: %w", err)
	}

	if detections == nil {
		detections = []models.ObstacleDetection{}
	}
	return detections, nil
}

// InsertDetections appends detection records. Negative results (zero
// confidence, empty geometry) are stored too, so parcels without pools stay
// cached for the validity window.
func (r *parcelRepository) InsertDetections(ctx context.Context, detections []models.ObstacleDetection) error {
	if len(detections) == 0 {
		return nil
	}

	const query = `
		INSERT INTO obstacle_detections (id, parcel_id, kind, geom, confidence, detected_at)
		VALUES ($1, $2, $3, ST_SetSRID(ST_GeomFromGeoJSON($4), 4326), $5, $6)`

	batch := &pgx.Batch{}
	for _, d := range detections {
		geomJSON, err := d.Geom.Value()
		if err != nil {
			return fmt.Errorf("failed to encode detection geometry: %w", err)
		}
		batch.Queue(query, d.ID, d.ParcelID, string(d.Kind), geomJSON, d.Confidence, d.DetectedAt)
	}

	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()

	for range detections {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to insert detection batch: %w", err)
		}
	}
	return nil
}

// InsertAdjudicationUsage appends adjudication usage rows.
func (r *parcelRepository) InsertAdjudicationUsage(ctx context.Context, usage []models.AdjudicationUsage) error {
	if len(usage) == 0 {
		return nil
	}

	const query = `
		INSERT INTO adjudication_usage (id, search_id, parcel_id, provider, model, units, cost_usd, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	batch := &pgx.Batch{}
	for _, u := range usage {
		batch.Queue(query, u.ID, u.SearchID, u.ParcelID, u.Provider, u.Model, u.Units, u.CostUSD, u.CreatedAt)
	}

	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()

	for range usage {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to insert adjudication usage batch: %w", err)
		}
	}
	return nil
}
