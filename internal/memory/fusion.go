package memory

import (
	"context"
	"sort"

	"github.com/aman-cerp/contextd/internal/embed"
	"github.com/aman-cerp/contextd/internal/store"
	"golang.org/x/sync/errgroup"
)

// DefaultRRFK is the reciprocal-rank-fusion smoothing constant. Unlike
// internal/search/fusion.go (which takes this from SearchConfig for code
// search), the memory path fixes it at the same value the original
// implementation hardcodes, since normalization here is derived
// algebraically from this exact constant.
const DefaultRRFK = 60

// DefaultHybridMultiplier widens each branch's candidate pool beyond the
// requested result count before fusion, so reciprocal-rank fusion has
// enough candidates from both branches to reorder against each other.
const DefaultHybridMultiplier = 4

// RankedObservation is a single fused search hit.
type RankedObservation struct {
	Observation *Observation
	RRFScore    float32 // raw sum of per-branch reciprocal ranks
	Score       float32 // presentation-only normalized score in [0,1]
}

// SearchMemories runs the lexical (FTS5) and vector branches concurrently,
// fuses them by reciprocal rank, and returns the top limit results.
//
// Fusion is deliberately NOT shared with internal/search/fusion.go: that
// fuser normalizes by the result set's own max score and tie-breaks
// three ways, which is the right model for code search but not for
// memory search, where scores must be independent of what else was
// retrieved in the same call and ties must break deterministically by
// id. RRF score = sum over branches of 1/(k+rank+1); the normalized,
// display-only score divides by the fixed ceiling 2/(k+1), the maximum
// reachable by a hit ranked first in both branches, clamped to 1.0.
func SearchMemories(ctx context.Context, repo *Repository, vectors *store.CollectionStore, embedder embed.Embedder, query string, filter Filter, limit int) ([]*RankedObservation, error) {
	candidateLimit := limit * DefaultHybridMultiplier
	if candidateLimit < limit {
		candidateLimit = limit
	}

	var ftsHits []*Observation
	var vectorHits []*store.VectorResult

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := repo.SearchFTS(gctx, filter.ProjectID, query, candidateLimit)
		if err != nil {
			return err
		}
		ftsHits = hits
		return nil
	})
	g.Go(func() error {
		if embedder == nil || !embedder.Available(gctx) {
			return nil
		}
		vec, err := embedder.Embed(gctx, query)
		if err != nil {
			return err
		}
		hits, err := vectors.SearchSimilar(gctx, store.MemoryCollectionName, vec, candidateLimit)
		if err != nil {
			return err
		}
		vectorHits = hits
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	rrf := make(map[string]float32)
	byID := make(map[string]*Observation)

	for rank, o := range ftsHits {
		if !filter.matches(o) {
			continue
		}
		rrf[o.ID] += 1.0 / float32(DefaultRRFK+rank+1)
		byID[o.ID] = o
	}

	for rank, hit := range vectorHits {
		// The vector store indexes observation content under its
		// SHA-256 content hash (the embedding id), not the observation
		// id, so a hit must be resolved back to its observation via
		// FindByHash before it can be scored.
		found, err := repo.FindByHash(ctx, filter.ProjectID, hit.ID)
		if err != nil || found == nil || !filter.matches(found) {
			continue
		}
		obs, ok := byID[found.ID]
		if !ok {
			obs = found
			byID[obs.ID] = obs
		}
		rrf[obs.ID] += 1.0 / float32(DefaultRRFK+rank+1)
	}

	results := make([]*RankedObservation, 0, len(rrf))
	for id, score := range rrf {
		results = append(results, &RankedObservation{
			Observation: byID[id],
			RRFScore:    score,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].RRFScore != results[j].RRFScore {
			return results[i].RRFScore > results[j].RRFScore
		}
		return results[i].Observation.ID < results[j].Observation.ID
	})

	if len(results) > limit {
		results = results[:limit]
	}

	maxPossibleRRF := float32(2.0 / (DefaultRRFK + 1.0))
	for _, r := range results {
		normalized := r.RRFScore / maxPossibleRRF
		if normalized > 1.0 {
			normalized = 1.0
		}
		r.Score = normalized
	}

	return results, nil
}
