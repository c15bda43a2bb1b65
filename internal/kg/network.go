package kg

import (
	"context"
	"sort"
)

// reach is the strongest known path from the seed to one entity.
type reach struct {
	strength float64
	hops     int
	path     []string
}

// strongestPaths walks at most maxHops edges out from seed, treating edges as undirected.
// Path strength is the product of edge strengths; for each entity the strongest path wins,
// and among equally strong paths the shorter one.
func strongestPaths(ctx context.Context, b Backend, seed string, maxHops int) (map[string]reach, error) {
	best := map[string]reach{seed: {strength: 1, path: []string{seed}}}
	frontier := []string{seed}

	for hop := 1; hop <= maxHops && len(frontier) > 0; hop++ {
		edges, err := b.Edges(ctx, frontier)
		if err != nil {
			return nil, err
		}

		prev := make(map[string]reach, len(best))
		for id, r := range best {
			prev[id] = r
		}
		inFrontier := make(map[string]bool, len(frontier))
		for _, id := range frontier {
			inFrontier[id] = true
		}

		updated := make(map[string]bool)
		relax := func(from, to string, strength float64) {
			if !inFrontier[from] {
				return
			}
			src := prev[from]
			cand := src.strength * strength
			cur, ok := best[to]
			if ok && (cur.strength > cand || (cur.strength == cand && cur.hops <= hop)) {
				return
			}
			path := make([]string, len(src.path), len(src.path)+1)
			copy(path, src.path)
			best[to] = reach{strength: cand, hops: hop, path: append(path, to)}
			updated[to] = true
		}

		for _, e := range edges {
			relax(e.SourceID, e.TargetID, e.Strength)
			relax(e.TargetID, e.SourceID, e.Strength)
		}

		frontier = frontier[:0]
		for id := range updated {
			if id != seed {
				frontier = append(frontier, id)
			}
		}
		sort.Strings(frontier)
	}

	delete(best, seed)
	return best, nil
}
