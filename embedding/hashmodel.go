package embedding

import (
	"context"
	"crypto/sha256"
	"math"
	"strings"
)

// HashModel is a network-free Model implementation: it feature-hashes
// whitespace tokens into a fixed-dimension vector and L2-normalizes the
// result. Real embedding providers (an explicit Non-goal — LLM inference
// SDKs are out of scope) satisfy the same Model interface; HashModel exists
// so the orchestrator has a deterministic, dependency-free default that
// still produces vectors cosine search can meaningfully rank, and so tests
// and local runs never need network access or an API key.
type HashModel struct {
	// Dim is the output vector dimension. Defaults to 64 if zero.
	Dim int
}

// EmbedText hashes each token of text into Dim buckets and L2-normalizes.
func (m HashModel) EmbedText(_ context.Context, text string) ([]float32, error) {
	return hashEmbed(text, m.dim()), nil
}

// EmbedBatch embeds each text independently; HashModel has no benefit from
// batching since it performs no I/O.
func (m HashModel) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = hashEmbed(t, m.dim())
	}
	return out, nil
}

func (m HashModel) dim() int {
	if m.Dim > 0 {
		return m.Dim
	}
	return 64
}

func hashEmbed(text string, dim int) []float32 {
	vec := make([]float32, dim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		sum := sha256.Sum256([]byte(tok))
		for i := 0; i < dim; i++ {
			bucket := int(sum[i%len(sum)]) % dim
			sign := float32(1)
			if sum[(i+1)%len(sum)]&1 == 1 {
				sign = -1
			}
			vec[bucket] += sign
		}
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}
