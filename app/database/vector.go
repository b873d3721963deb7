package database

import (
	"cmp"
	"math"
	"slices"
)

// CosineSimilarity returns the cosine of the angle between `a` and `b`. Vectors of
// different lengths, and zero vectors, have a similarity of 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// SortMatches orders matches by descending similarity, breaking ties by ascending page ID.
func SortMatches(matches []Match) {
	slices.SortFunc(matches, func(a, b Match) int {
		if c := cmp.Compare(b.Similarity, a.Similarity); c != 0 {
			return c
		}
		return cmp.Compare(a.PageID, b.PageID)
	})
}
