package knowledge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/synaptica-ai/interaction-engine/pkg/common/models"
)

var (
	ErrSourceTimeout     = errors.New("knowledge source timed out")
	ErrSourceUnavailable = errors.New("knowledge source unavailable")
)

// Source is a queryable body of interaction knowledge. Implementations must
// be safe for concurrent use and return (nil, nil) when they know nothing.
type Source interface {
	Name() string
	PairInteractions(ctx context.Context, a, b models.Drug) ([]InteractionRecord, error)
	MultiDrugPatterns(ctx context.Context) ([]PatternRecord, error)
	DiseaseInteractions(ctx context.Context, condition string, drug models.Drug) ([]DiseaseRecord, error)
}

// AdverseEventSource reports co-reported adverse events for a drug pair.
type AdverseEventSource interface {
	AdverseEventCount(ctx context.Context, a, b string) (int, error)
}

// CatalogSource serves a Catalog through the Source interface.
type CatalogSource struct {
	catalog *Catalog
	name    string
}

func NewCatalogSource(cat *Catalog) *CatalogSource {
	name := "curated-kb"
	if cat.Version != "" {
		name += "@" + cat.Version
	}
	return &CatalogSource{catalog: cat, name: name}
}

func (s *CatalogSource) Name() string { return s.name }

func (s *CatalogSource) Catalog() *Catalog { return s.catalog }

func (s *CatalogSource) PairInteractions(ctx context.Context, a, b models.Drug) ([]InteractionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.catalog.Pair(a.ID, b.ID), nil
}

func (s *CatalogSource) MultiDrugPatterns(ctx context.Context) ([]PatternRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.catalog.Patterns, nil
}

func (s *CatalogSource) DiseaseInteractions(ctx context.Context, condition string, drug models.Drug) ([]DiseaseRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []DiseaseRecord
	for _, r := range s.catalog.Diseases {
		if r.Matches(condition) && r.Covers(drug) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *CatalogSource) AdverseEventCount(ctx context.Context, a, b string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.catalog.AdverseEventCount(a, b), nil
}

// Query runs fn with a deadline. A source that ignores its context still
// cannot hold the caller past the timeout; its late result is discarded.
func Query[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		var r result
		defer func() {
			if p := recover(); p != nil {
				r.err = fmt.Errorf("%w: panic: %v", ErrSourceUnavailable, p)
			}
			done <- r
		}()
		r.value, r.err = fn(qctx)
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-qctx.Done():
		var zero T
		if errors.Is(qctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, fmt.Errorf("%w after %s", ErrSourceTimeout, timeout)
		}
		return zero, qctx.Err()
	}
}
