// Package cosineindex implements embedding.Index as a linear cosine-similarity
// scan, the default nearest-neighbor search backing memstore (spec §4.D). It
// is a thin adapter over catalog.Store.FindToolsByEmbedding, which already
// performs the scan in-process for memstore; mongostore deployments leave
// the Manager's Index unset and its FindToolsByEmbedding is called directly.
package cosineindex

import (
	"context"
	"fmt"

	"github.com/unicitynetwork/unicity-orchestrator-sub000/catalog"
)

// Index wraps a catalog.Store's own FindToolsByEmbedding for use as an
// embedding.Index.
type Index struct {
	store catalog.Store
}

// New returns a cosineindex.Index backed by store.
func New(store catalog.Store) *Index {
	return &Index{store: store}
}

// Search finds the topK tools whose stored embedding is nearest to query by
// cosine similarity.
func (idx *Index) Search(ctx context.Context, query []float32, topK int) ([]catalog.ScoredTool, error) {
	scored, err := idx.store.FindToolsByEmbedding(ctx, query, topK)
	if err != nil {
		return nil, fmt.Errorf("cosineindex: search: %w", err)
	}
	return scored, nil
}
