package identity

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Similarity scores two embeddings in [0, 1]; higher means more alike.
type Similarity func(a, b []float32) (float64, error)

// EncodeEmbedding packs an embedding as little-endian float32 values.
func EncodeEmbedding(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeEmbedding unpacks an embedding written by EncodeEmbedding.
func DecodeEmbedding(buf []byte, dim int) ([]float32, error) {
	if len(buf) != dim*4 {
		return nil, fmt.Errorf("decode embedding: %d bytes for dimension %d", len(buf), dim)
	}
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec, nil
}

// Cosine returns the cosine similarity of two embeddings clamped to [0, 1].
// Opposed or zero vectors score 0.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	score := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	switch {
	case score < 0:
		return 0, nil
	case score > 1:
		return 1, nil
	}
	return score, nil
}
