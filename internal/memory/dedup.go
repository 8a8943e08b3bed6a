package memory

import (
	"fmt"
	"math"
	"sort"
)

// Semantic deduplication collapses near-duplicate-meaning messages before
// the history reaches the generator's context window.
//
// Algorithm: hierarchical agglomerative clustering over message embeddings
// with average linkage and cosine distance, no fixed cluster count, merge
// threshold 0.2 by default. Each cluster keeps its most recent member
// (highest original index); representatives are re-sorted chronologically.
// The clustering is written out by hand: it is a page of float64 arithmetic
// on at most a dozen vectors, which no dependency in use here covers.

// clusterByThreshold runs average-linkage agglomerative clustering and
// returns clusters as groups of original indices. Merging stops when the
// smallest inter-cluster distance exceeds threshold.
func clusterByThreshold(vectors [][]float32, threshold float64) ([][]int, error) {
	n := len(vectors)
	if n == 0 {
		return nil, nil
	}

	// Pairwise cosine distance matrix.
	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d, err := cosineDistance(vectors[i], vectors[j])
			if err != nil {
				return nil, err
			}
			dist[i][j] = d
			dist[j][i] = d
		}
	}

	clusters := make([][]int, n)
	for i := range clusters {
		clusters[i] = []int{i}
	}

	for len(clusters) > 1 {
		bestA, bestB := -1, -1
		bestDist := math.Inf(1)
		for a := 0; a < len(clusters); a++ {
			for b := a + 1; b < len(clusters); b++ {
				d := averageLinkage(clusters[a], clusters[b], dist)
				if d < bestDist {
					bestDist = d
					bestA, bestB = a, b
				}
			}
		}

		if bestDist > threshold {
			break
		}

		merged := append(append([]int{}, clusters[bestA]...), clusters[bestB]...)
		next := make([][]int, 0, len(clusters)-1)
		for i, c := range clusters {
			if i != bestA && i != bestB {
				next = append(next, c)
			}
		}
		clusters = append(next, merged)
	}

	return clusters, nil
}

// averageLinkage is the mean pairwise distance between two clusters.
func averageLinkage(a, b []int, dist [][]float64) float64 {
	sum := 0.0
	for _, i := range a {
		for _, j := range b {
			sum += dist[i][j]
		}
	}
	return sum / float64(len(a)*len(b))
}

// cosineDistance is 1 - cosine similarity.
func cosineDistance(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("memory: embedding length mismatch: %d vs %d", len(a), len(b))
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		// Zero vectors carry no meaning; treat as maximally distant.
		return 1, nil
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB)), nil
}

// representatives picks the most recent member (highest original index) of
// each cluster and returns the survivors sorted chronologically.
func representatives(clusters [][]int) []int {
	reps := make([]int, 0, len(clusters))
	for _, c := range clusters {
		max := c[0]
		for _, i := range c[1:] {
			if i > max {
				max = i
			}
		}
		reps = append(reps, max)
	}
	sort.Ints(reps)
	return reps
}
