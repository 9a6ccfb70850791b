package rotation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gestioncompras/rotacion-etl/internal/metrics"
	"github.com/gestioncompras/rotacion-etl/internal/staging"
)

// NaturalKey is the uniqueness constraint of fact_rotacion. The loader never
// creates two rows under the same key.
type NaturalKey struct {
	CodigoProducto string
	CodigoPdv      string
	Fecha          time.Time
}

func (k NaturalKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.CodigoPdv, k.CodigoProducto, k.Fecha.Format("2006-01-02"))
}

// EnrichedRecord is a normalized staging record with resolved surrogate keys
// and derived metrics, ready for the loader.
type EnrichedRecord struct {
	staging.Record

	ProductoSK int64
	PdvSK      int64
	FechaSK    int64
	Fecha      time.Time

	Metrics metrics.Result
}

// Key returns the record's natural key.
func (r *EnrichedRecord) Key() NaturalKey {
	return NaturalKey{
		CodigoProducto: r.CodigoProducto,
		CodigoPdv:      r.CodigoPdv,
		Fecha:          r.Fecha,
	}
}

// Store persists fact rows. The postgres implementation lives in store.go;
// tests substitute an in-memory one.
type Store interface {
	// RunInTx runs fn inside one transaction; a returned error rolls the
	// whole transaction back.
	RunInTx(ctx context.Context, fn func(StoreTx) error) error
}

// StoreTx is the per-transaction surface the loader writes through.
type StoreTx interface {
	// Lookup finds an existing row by natural key.
	Lookup(ctx context.Context, key NaturalKey) (int64, bool, error)
	// Insert creates a new fact row with load and update timestamps set to now.
	Insert(ctx context.Context, rec *EnrichedRecord) error
	// Update rewrites all mutable columns of an existing row in place.
	Update(ctx context.Context, sk int64, rec *EnrichedRecord) error
	// Truncate empties the fact table. Only used by full-reload runs.
	Truncate(ctx context.Context) error
}

// PdvState tracks a PDV through the orchestrator's state machine.
type PdvState string

const (
	StatePending      PdvState = "pending"
	StateExtracting   PdvState = "extracting"
	StateTransforming PdvState = "transforming"
	StateLoading      PdvState = "loading"
	StateDone         PdvState = "done"
	StateFailed       PdvState = "failed"
)

// PdvReport accumulates per-PDV counts for the run report.
type PdvReport struct {
	Codigo string
	Nombre string
	State  PdvState

	Tables        int
	TablesSkipped int
	Processed     int
	Skipped       int
	SkipReasons   map[string]int

	Inserted      int
	Updated       int
	FailedBatches int

	Error string
}

// Skip tallies one skipped record under the given reason.
func (p *PdvReport) Skip(reason string) {
	p.Skipped++
	if p.SkipReasons == nil {
		p.SkipReasons = make(map[string]int)
	}
	p.SkipReasons[reason]++
}

// DominantSkipReason returns the most frequent skip reason, or "".
func (p *PdvReport) DominantSkipReason() string {
	best, bestCount := "", 0
	for reason, count := range p.SkipReasons {
		if count > bestCount || (count == bestCount && reason < best) {
			best, bestCount = reason, count
		}
	}
	return best
}

// RunReport is the structured outcome of one orchestrator run.
type RunReport struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Pdvs       []*PdvReport
}

func (r *RunReport) Succeeded() int {
	n := 0
	for _, p := range r.Pdvs {
		if p.State == StateDone {
			n++
		}
	}
	return n
}

func (r *RunReport) Failed() int {
	n := 0
	for _, p := range r.Pdvs {
		if p.State == StateFailed {
			n++
		}
	}
	return n
}

// OK reports whether every discovered PDV finished.
func (r *RunReport) OK() bool {
	return r.Failed() == 0
}

// Summary renders the aggregate one-liner that closes every run.
func (r *RunReport) Summary() string {
	var processed, skipped, inserted, updated int
	for _, p := range r.Pdvs {
		processed += p.Processed
		skipped += p.Skipped
		inserted += p.Inserted
		updated += p.Updated
	}
	return fmt.Sprintf("pdvs=%d ok=%d failed=%d processed=%d skipped=%d inserted=%d updated=%d elapsed=%s",
		len(r.Pdvs), r.Succeeded(), r.Failed(), processed, skipped, inserted, updated,
		r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
}

// Lines renders the per-PDV breakdown, sorted by PDV code.
func (r *RunReport) Lines() []string {
	pdvs := make([]*PdvReport, len(r.Pdvs))
	copy(pdvs, r.Pdvs)
	sort.Slice(pdvs, func(i, j int) bool { return pdvs[i].Codigo < pdvs[j].Codigo })

	lines := make([]string, 0, len(pdvs))
	for _, p := range pdvs {
		var b strings.Builder
		fmt.Fprintf(&b, "pdv %s (%s): %s, tables=%d processed=%d skipped=%d inserted=%d updated=%d",
			p.Codigo, p.Nombre, p.State, p.Tables, p.Processed, p.Skipped, p.Inserted, p.Updated)
		if reason := p.DominantSkipReason(); reason != "" {
			fmt.Fprintf(&b, " (mostly %s)", reason)
		}
		if p.FailedBatches > 0 {
			fmt.Fprintf(&b, " failed_batches=%d", p.FailedBatches)
		}
		if p.Error != "" {
			fmt.Fprintf(&b, " error=%q", p.Error)
		}
		lines = append(lines, b.String())
	}
	return lines
}
