package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/lotscout/api/internal/adjudicate"
	"github.com/lotscout/api/internal/classify"
	"github.com/lotscout/api/internal/config"
	"github.com/lotscout/api/internal/detect"
	"github.com/lotscout/api/internal/enrich"
	"github.com/lotscout/api/internal/geometry"
	"github.com/lotscout/api/internal/logger"
	"github.com/lotscout/api/internal/models"
	"github.com/lotscout/api/internal/observability/metrics"
	"github.com/lotscout/api/internal/progress"
	"github.com/lotscout/api/internal/repository"
	"github.com/lotscout/api/internal/yard"
)

// Orchestrator runs the staged qualification pipeline for one search at a
// time per Run call. Each search gets its own invocation; failures in one
// search never affect another.
type Orchestrator struct {
	repo        repository.ParcelRepository
	detector    detect.Detector
	adjudicator adjudicate.Adjudicator
	enricher    enrich.Provider
	registry    *progress.Registry
	metrics     *metrics.Metrics
	log         *logger.Logger

	estimator  *yard.Estimator
	classifier *classify.Classifier

	detectorCfg config.DetectorConfig
	adjCfg      config.AdjudicatorConfig
	enrichCfg   config.EnrichmentConfig
	pipeCfg     config.PipelineConfig
}

// Deps bundles the orchestrator's collaborators. Enricher may be nil when no
// external parcel provider is configured; everything else is required.
type Deps struct {
	Repo        repository.ParcelRepository
	Detector    detect.Detector
	Adjudicator adjudicate.Adjudicator
	Enricher    enrich.Provider
	Registry    *progress.Registry
	Metrics     *metrics.Metrics
	Logger      *logger.Logger
}

// New creates an Orchestrator.
func New(deps Deps, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		repo:        deps.Repo,
		detector:    deps.Detector,
		adjudicator: deps.Adjudicator,
		enricher:    deps.Enricher,
		registry:    deps.Registry,
		metrics:     deps.Metrics,
		log:         deps.Logger,
		estimator: yard.NewEstimator(yard.Config{
			SanityFraction:   cfg.Pipeline.RearSanityFraction,
			FallbackFraction: cfg.Pipeline.RearFallbackFraction,
			SetbackFeet:      cfg.Pipeline.SetbackFeet,
		}),
		classifier:  classify.New(cfg.Pipeline.EdgeCaseTolerance),
		detectorCfg: cfg.Detector,
		adjCfg:      cfg.Adjudicator,
		enrichCfg:   cfg.Enrichment,
		pipeCfg:     cfg.Pipeline,
	}
}

// runState accumulates per-search bookkeeping across stages.
type runState struct {
	searchID uuid.UUID
	area     models.SearchArea
	filters  models.SearchFilters

	parcels []models.Parcel

	timings progress.StageTimings
	cache   progress.CacheStats
	cost    progress.CostStats
	cvOps   int

	pendingVerdicts []repository.VerdictUpdate
	pendingUsage    []models.AdjudicationUsage
}

// Run executes the full pipeline for one search. It never returns an error:
// every failure path ends in a published error snapshot so subscribers always
// reach a terminal stage. The context governs cancellation; a cancelled
// search terminates with an error snapshot too.
func (o *Orchestrator) Run(ctx context.Context, searchID uuid.UUID, area models.SearchArea, filters models.SearchFilters) {
	log := o.log.WithSearchID(searchID.String())
	start := time.Now()

	o.metrics.SearchesStarted.Inc()
	o.metrics.SearchesInFlight.Inc()
	defer o.metrics.SearchesInFlight.Dec()

	st := &runState{searchID: searchID, area: area, filters: filters}
	st.cost.BudgetUSD = o.adjCfg.BudgetUSD

	defer func() {
		if r := recover(); r != nil {
			log.Error("search pipeline panicked", fmt.Errorf("panic: %v", r), nil)
			o.publishError(st, fmt.Sprintf("internal pipeline failure: %v", r))
		}
	}()

	if err := o.run(ctx, log, st); err != nil {
		log.Error("search pipeline failed", err, map[string]interface{}{
			"elapsed_ms": time.Since(start).Milliseconds(),
		})
		o.publishError(st, err.Error())
		return
	}

	log.Info("search pipeline complete", map[string]interface{}{
		"parcels":    len(st.parcels),
		"elapsed_ms": time.Since(start).Milliseconds(),
	})
}

func (o *Orchestrator) run(ctx context.Context, log *logger.Logger, st *runState) error {
	total := time.Now()

	if err := o.stageSQLFilter(ctx, log, st); err != nil {
		return err
	}

	// No candidates: short-circuit straight to the terminal snapshot, the
	// remaining stages have nothing to do.
	if len(st.parcels) == 0 {
		st.timings.TotalMs = time.Since(total).Milliseconds()
		o.publishComplete(st, []models.Parcel{})
		return nil
	}

	if err := o.stageCVAnalysis(ctx, log, st); err != nil {
		return err
	}
	if err := o.stageLLMAnalysis(ctx, log, st); err != nil {
		return err
	}

	results, err := o.finalize(ctx, st)
	if err != nil {
		return err
	}

	st.timings.TotalMs = time.Since(total).Milliseconds()
	o.publishComplete(st, results)
	return nil
}

// stageSQLFilter resolves the candidate parcel set: an optional on-demand
// enrichment fetch when local coverage is thin, the spatial query with
// attribute filters pushed down to the database, rear-yard estimation for
// every candidate, and finally the minimum-rear-yard filter applied once all
// estimates are in.
func (o *Orchestrator) stageSQLFilter(ctx context.Context, log *logger.Logger, st *runState) error {
	stageStart := time.Now()
	o.publish(st, progress.Snapshot{Stage: progress.StageSQLFilter, Message: "querying parcels"})

	o.maybeEnrich(ctx, log, st)

	parcels, err := o.repo.FindIntersecting(ctx, st.area, st.filters)
	if err != nil {
		return fmt.Errorf("spatial filter failed: %w", err)
	}
	st.parcels = parcels

	if len(st.parcels) > 0 {
		o.publish(st, progress.Snapshot{
			Stage:   progress.StageSQLFilter,
			Total:   len(st.parcels),
			Message: "estimating rear yards",
		})
		if err := o.estimateRearYards(ctx, st); err != nil {
			return err
		}
		o.applyRearYardFilter(log, st)
	}

	st.timings.SQLFilterMs = time.Since(stageStart).Milliseconds()
	o.metrics.ObserveStage(string(progress.StageSQLFilter), time.Since(stageStart))

	log.Info("spatial filter complete", map[string]interface{}{
		"candidates": len(st.parcels),
	})
	o.publish(st, progress.Snapshot{
		Stage:     progress.StageSQLFilter,
		Processed: len(st.parcels),
		Total:     len(st.parcels),
		Message:   fmt.Sprintf("%d candidate parcels", len(st.parcels)),
	})
	return nil
}

// applyRearYardFilter drops parcels below the minimum rear-yard threshold.
// The filter runs once, after every candidate has an estimate, and keeps any
// parcel the classifier would treat as an edge case so that ambiguous
// candidates survive into adjudication rather than being silently removed.
func (o *Orchestrator) applyRearYardFilter(log *logger.Logger, st *runState) {
	threshold := st.filters.MinRearSqft

	kept := st.parcels[:0]
	for i := range st.parcels {
		p := &st.parcels[i]
		if (p.RearFreeSqft != nil && *p.RearFreeSqft >= threshold) ||
			o.classifier.IsEdgeCase(p, threshold, st.filters) {
			kept = append(kept, *p)
		}
	}

	if dropped := len(st.parcels) - len(kept); dropped > 0 {
		log.Info("rear yard threshold filter applied", map[string]interface{}{
			"dropped": dropped,
			"kept":    len(kept),
		})
	}
	st.parcels = kept
}

// maybeEnrich fetches parcels from the external provider when local coverage
// of the AOI is below the configured floor. Enrichment is best effort: any
// failure is logged and the search continues on local data alone.
func (o *Orchestrator) maybeEnrich(ctx context.Context, log *logger.Logger, st *runState) {
	if o.enricher == nil {
		return
	}

	count, err := o.repo.CountIntersecting(ctx, st.area)
	if err != nil {
		log.Warn("coverage count failed, skipping enrichment", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if count >= o.enrichCfg.MinLocalParcels {
		return
	}

	bounds, err := geometry.BoundingBox(st.area.Geom)
	if err != nil {
		log.Warn("search area has no bounds, skipping enrichment", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	fetched, err := o.enricher.FetchByBounds(ctx, bounds, o.enrichCfg.FetchCap)
	if err != nil {
		log.Warn("enrichment fetch failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	o.metrics.EnrichmentFetches.Inc()

	if err := o.repo.UpsertBatch(ctx, fetched); err != nil {
		log.Warn("enrichment upsert failed", map[string]interface{}{
			"error":   err.Error(),
			"fetched": len(fetched),
		})
		return
	}

	log.Info("enriched local coverage", map[string]interface{}{
		"local_before": count,
		"fetched":      len(fetched),
	})
}

// stageCVAnalysis resolves pool status for every surviving parcel through
// the detection gateway, using the stored-detection cache window. A parcel
// whose fresh detection disagrees with an active pool filter is kept: the
// classifier routes it to adjudication, since detection alone is not trusted
// to disqualify.
func (o *Orchestrator) stageCVAnalysis(ctx context.Context, log *logger.Logger, st *runState) error {
	stageStart := time.Now()
	o.publish(st, progress.Snapshot{
		Stage:   progress.StageCVAnalysis,
		Total:   len(st.parcels),
		Message: "resolving pool status",
	})

	if err := o.resolvePools(ctx, log, st); err != nil {
		return err
	}

	st.timings.CVAnalysisMs = time.Since(stageStart).Milliseconds()
	o.metrics.ObserveStage(string(progress.StageCVAnalysis), time.Since(stageStart))

	o.publish(st, progress.Snapshot{
		Stage:     progress.StageCVAnalysis,
		Processed: len(st.parcels),
		Total:     len(st.parcels),
		Message:   fmt.Sprintf("%d parcels analyzed", len(st.parcels)),
	})
	return nil
}

// estimateRearYards runs the rear-yard estimator over all candidates with
// bounded concurrency. Per-parcel persistence failures degrade that parcel
// to an approximate estimate instead of failing the search; only context
// cancellation aborts the batch.
func (o *Orchestrator) estimateRearYards(ctx context.Context, st *runState) error {
	sem := semaphore.NewWeighted(int64(o.pipeCfg.RearYardBatchSize))
	g, gctx := errgroup.WithContext(ctx)

	for i := range st.parcels {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		i := i
		g.Go(func() error {
			defer sem.Release(1)
			p := &st.parcels[i]

			// A previously computed estimate is reused as-is; geometry and
			// footprints do not change between searches.
			if p.RearFreeSqft != nil {
				return nil
			}

			footprints, err := o.repo.FindFootprints(gctx, p.ID)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				// Estimate without footprints rather than drop the parcel.
				footprints = nil
			}

			est := o.estimator.Estimate(p.Geom, footprints, nil)
			p.RearFreeSqft = &est.FreeSqft
			p.RearApproximate = est.Approximate

			if err := o.repo.UpdateRearYard(gctx, p.ID, est.FreeSqft, est.Approximate); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				o.log.Warn("rear yard persist failed", map[string]interface{}{
					"parcel_id": p.ID.String(),
					"error":     err.Error(),
				})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("rear yard estimation aborted: %w", err)
	}
	return ctx.Err()
}

// resolvePools fills has_pool for every candidate, serving from stored
// detections within the validity window and calling the detector only for
// misses. Detector failures leave the stored value untouched.
func (o *Orchestrator) resolvePools(ctx context.Context, log *logger.Logger, st *runState) error {
	ids := make([]uuid.UUID, len(st.parcels))
	for i := range st.parcels {
		ids[i] = st.parcels[i].ID
	}

	cutoff := time.Now().Add(-o.detectorCfg.CacheTTL)
	recent, err := o.repo.FindRecentDetections(ctx, ids, models.DetectionPool, cutoff)
	if err != nil {
		return fmt.Errorf("detection cache read failed: %w", err)
	}

	// Newest detection per parcel wins; the query orders newest first.
	cached := make(map[uuid.UUID]models.ObstacleDetection, len(recent))
	for _, d := range recent {
		if _, seen := cached[d.ParcelID]; !seen {
			cached[d.ParcelID] = d
		}
	}

	var (
		updates []repository.HasPoolUpdate
		fresh   []models.ObstacleDetection
		misses  []int
	)

	for i := range st.parcels {
		p := &st.parcels[i]
		if d, ok := cached[p.ID]; ok {
			st.cache.Hits++
			o.metrics.CacheHits.Inc()
			hasPool := d.Confidence > o.detectorCfg.MinConfidence
			p.HasPool = &hasPool
			updates = append(updates, repository.HasPoolUpdate{ParcelID: p.ID, HasPool: hasPool})
			continue
		}
		st.cache.Misses++
		o.metrics.CacheMisses.Inc()
		misses = append(misses, i)
	}

	// Detector calls for misses, bounded concurrency.
	type detection struct {
		idx int
		res detect.Result
		ok  bool
	}
	results := make([]detection, len(misses))

	sem := semaphore.NewWeighted(int64(o.pipeCfg.DetectionBatchSize))
	g, gctx := errgroup.WithContext(ctx)
	for slot, idx := range misses {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		slot, idx := slot, idx
		g.Go(func() error {
			defer sem.Release(1)
			p := &st.parcels[idx]

			o.metrics.DetectorCalls.Inc()
			res, err := o.detector.Detect(gctx, p.ID, p.Geom)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				log.Warn("pool detection failed", map[string]interface{}{
					"parcel_id": p.ID.String(),
					"error":     err.Error(),
				})
				return nil
			}
			results[slot] = detection{idx: idx, res: res, ok: true}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("pool detection aborted: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := time.Now()
	for _, r := range results {
		if !r.ok {
			continue
		}
		st.cvOps++
		p := &st.parcels[r.idx]

		confidence := r.res.MaxConfidence()
		hasPool := confidence > o.detectorCfg.MinConfidence

		rec := models.ObstacleDetection{
			ID:         uuid.New(),
			ParcelID:   p.ID,
			Kind:       models.DetectionPool,
			Confidence: confidence,
			DetectedAt: now,
		}
		// Keep the highest-confidence obstacle's geometry; negative results
		// are stored with empty geometry so the miss itself is cached.
		for _, ob := range r.res.Obstacles {
			if ob.Confidence == confidence {
				rec.Geom = ob.Geometry
				break
			}
		}

		p.HasPool = &hasPool
		fresh = append(fresh, rec)
		updates = append(updates, repository.HasPoolUpdate{ParcelID: p.ID, HasPool: hasPool})
	}

	if len(fresh) > 0 {
		if err := o.repo.InsertDetections(ctx, fresh); err != nil {
			return fmt.Errorf("failed to persist detections: %w", err)
		}
	}
	if len(updates) > 0 {
		if err := o.repo.UpdateHasPoolBatch(ctx, updates); err != nil {
			return fmt.Errorf("failed to persist pool status: %w", err)
		}
	}

	if st.cache.Hits+st.cache.Misses > 0 {
		st.cache.HitRate = float64(st.cache.Hits) / float64(st.cache.Hits+st.cache.Misses)
	}
	return nil
}

// stageLLMAnalysis splits the survivors into clear cases, resolved by the
// threshold rule, and edge cases, adjudicated externally in priority order
// under the spending cap.
func (o *Orchestrator) stageLLMAnalysis(ctx context.Context, log *logger.Logger, st *runState) error {
	stageStart := time.Now()
	threshold := st.filters.MinRearSqft

	var edgeCases []*models.Parcel
	for i := range st.parcels {
		p := &st.parcels[i]
		if o.classifier.IsEdgeCase(p, threshold, st.filters) {
			edgeCases = append(edgeCases, p)
			continue
		}
		o.queueThresholdVerdict(st, p, threshold)
	}

	// Closest to the threshold first: the most ambiguous parcels get budget
	// before it runs out.
	sort.SliceStable(edgeCases, func(a, b int) bool {
		return o.classifier.Distance(edgeCases[a], threshold) < o.classifier.Distance(edgeCases[b], threshold)
	})

	o.publish(st, progress.Snapshot{
		Stage:   progress.StageLLMAnalysis,
		Total:   len(edgeCases),
		Message: fmt.Sprintf("%d edge cases queued for adjudication", len(edgeCases)),
	})

	for n, p := range edgeCases {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Budget is checked before each call. Skipped edge cases keep their
		// prior verdict, typically pending; the threshold rule was already
		// judged unreliable for them.
		if st.cost.EstimatedUSD >= o.adjCfg.BudgetUSD {
			if !st.cost.BudgetExhausted {
				st.cost.BudgetExhausted = true
				log.Warn("adjudication budget exhausted", map[string]interface{}{
					"spent_usd":  st.cost.EstimatedUSD,
					"budget_usd": o.adjCfg.BudgetUSD,
					"remaining":  len(edgeCases) - n,
				})
			}
			continue
		}

		verdict, err := o.adjudicator.Adjudicate(ctx, p, st.filters)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("adjudication failed, verdict left pending", map[string]interface{}{
				"parcel_id": p.ID.String(),
				"error":     err.Error(),
			})
			continue
		}

		o.metrics.AdjudicationCalls.Inc()
		o.metrics.AdjudicationCost.Add(verdict.CostUSD)
		st.cost.AdjudicationUnits += verdict.Units
		st.cost.EstimatedUSD += verdict.CostUSD

		q := verdict.Qualifies
		p.Qualifies = &q
		p.Rationale = &verdict.Rationale
		st.pendingVerdicts = append(st.pendingVerdicts, repository.VerdictUpdate{
			ParcelID:  p.ID,
			Qualifies: verdict.Qualifies,
			Rationale: verdict.Rationale,
		})
		st.pendingUsage = append(st.pendingUsage, models.AdjudicationUsage{
			ID:        uuid.New(),
			SearchID:  st.searchID,
			ParcelID:  p.ID,
			Provider:  verdict.Provider,
			Model:     verdict.Model,
			Units:     verdict.Units,
			CostUSD:   verdict.CostUSD,
			CreatedAt: time.Now(),
		})

		if len(st.pendingVerdicts) >= o.pipeCfg.VerdictFlushEvery {
			if err := o.flushVerdicts(ctx, st); err != nil {
				return err
			}
		}

		o.publish(st, progress.Snapshot{
			Stage:     progress.StageLLMAnalysis,
			Processed: n + 1,
			Total:     len(edgeCases),
		})
	}

	if err := o.flushVerdicts(ctx, st); err != nil {
		return err
	}

	st.timings.LLMAnalysisMs = time.Since(stageStart).Milliseconds()
	o.metrics.ObserveStage(string(progress.StageLLMAnalysis), time.Since(stageStart))
	return nil
}

// queueThresholdVerdict resolves one parcel by direct threshold comparison.
// Parcels with no usable estimate never qualify this way.
func (o *Orchestrator) queueThresholdVerdict(st *runState, p *models.Parcel, threshold float64) {
	qualifies := p.RearFreeSqft != nil && *p.RearFreeSqft >= threshold
	rationale := fmt.Sprintf("rear yard %.0f sqft vs %.0f sqft threshold", rearOrZero(p), threshold)
	if p.RearFreeSqft == nil {
		rationale = "rear yard could not be computed"
	}

	p.Qualifies = &qualifies
	p.Rationale = &rationale
	st.pendingVerdicts = append(st.pendingVerdicts, repository.VerdictUpdate{
		ParcelID:  p.ID,
		Qualifies: qualifies,
		Rationale: rationale,
	})
}

func rearOrZero(p *models.Parcel) float64 {
	if p.RearFreeSqft == nil {
		return 0
	}
	return *p.RearFreeSqft
}

// flushVerdicts persists accumulated verdicts and usage rows.
func (o *Orchestrator) flushVerdicts(ctx context.Context, st *runState) error {
	if len(st.pendingVerdicts) > 0 {
		if err := o.repo.UpdateVerdictBatch(ctx, st.pendingVerdicts); err != nil {
			return fmt.Errorf("failed to persist verdicts: %w", err)
		}
	}
	if len(st.pendingUsage) > 0 {
		if err := o.repo.InsertAdjudicationUsage(ctx, st.pendingUsage); err != nil {
			return fmt.Errorf("failed to persist adjudication usage: %w", err)
		}
	}
	st.pendingVerdicts = st.pendingVerdicts[:0]
	st.pendingUsage = st.pendingUsage[:0]
	return nil
}

// finalize re-reads retained parcels so the emitted results reflect exactly
// what was persisted, then keeps only the qualifying ones.
func (o *Orchestrator) finalize(ctx context.Context, st *runState) ([]models.Parcel, error) {
	ids := make([]uuid.UUID, 0, len(st.parcels))
	for i := range st.parcels {
		if st.parcels[i].Qualifies != nil && *st.parcels[i].Qualifies {
			ids = append(ids, st.parcels[i].ID)
		}
	}

	results, err := o.repo.FindByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load final results: %w", err)
	}
	return results, nil
}

func (o *Orchestrator) publish(st *runState, snap progress.Snapshot) {
	snap.SearchID = st.searchID
	o.registry.Publish(snap)
}

func (o *Orchestrator) publishComplete(st *runState, results []models.Parcel) {
	stats := progress.SearchStats{
		Timings:      st.timings,
		Cache:        st.cache,
		Cost:         st.cost,
		CVOperations: st.cvOps,
	}
	o.registry.Publish(progress.Snapshot{
		SearchID:  st.searchID,
		Stage:     progress.StageComplete,
		Processed: len(results),
		Total:     len(results),
		Message:   fmt.Sprintf("%d qualifying parcels", len(results)),
		Results:   results,
		Stats:     &stats,
	})
}

func (o *Orchestrator) publishError(st *runState, msg string) {
	stats := progress.SearchStats{
		Timings:      st.timings,
		Cache:        st.cache,
		Cost:         st.cost,
		CVOperations: st.cvOps,
	}
	o.registry.Publish(progress.Snapshot{
		SearchID: st.searchID,
		Stage:    progress.StageError,
		Error:    msg,
		Stats:    &stats,
	})
}
