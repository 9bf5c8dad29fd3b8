// -------------------------------------------------------------------------------
// Prewarm - Top-K Cache Fill
//
// Author: Alex Freidah
//
// Reloads the most requested landing pages in a single batch query and seeds
// both cache tiers, so popular codes stay warm across freshness windows.
// -------------------------------------------------------------------------------

package delivery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/afreidah/qr-landing/internal/cache"
	"github.com/afreidah/qr-landing/internal/telemetry"
)

// Prewarm loads the most requested ids in one store query and pushes them into
// both cache tiers. Ids that no longer exist are skipped. Returns the number
// of records cached.
func (o *Orchestrator) Prewarm(ctx context.Context) (int, error) {
	ids := o.tracker.TopK()
	if len(ids) == 0 {
		telemetry.PrewarmCyclesTotal.WithLabelValues("empty").Inc()
		return 0, nil
	}

	ctx, span := telemetry.StartSpan(ctx, "Orchestrator.Prewarm", telemetry.AttrBatchIDs.Int(len(ids)))
	defer span.End()

	gens := make(map[string]uint64, len(ids))
	for _, id := range ids {
		gens[id] = o.generation(id)
	}

	sctx, cancel := context.WithTimeout(ctx, o.storeTimeout)
	records, err := o.store.FindLandingRecords(sctx, ids)
	cancel()
	if err != nil {
		span.RecordError(err)
		telemetry.PrewarmCyclesTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("failed to load prewarm batch: %w", err)
	}

	warmed := 0
	for i := range records {
		p, err := cache.NewPayload(&records[i])
		if err != nil {
			slog.Warn("Skipping unencodable record during prewarm", "id", records[i].ID, "error", err)
			continue
		}
		gen := gens[p.Record.ID]
		if !o.setRecent(p.Record.ID, p, gen) {
			continue
		}
		o.setShared(ctx, p.Record.ID, p, gen)
		warmed++
	}

	telemetry.PrewarmCyclesTotal.WithLabelValues("success").Inc()
	telemetry.PrewarmedRecordsTotal.Add(float64(warmed))
	return warmed, nil
}
