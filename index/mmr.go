package index

import (
	"math"
	"sort"
)

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := 0; i < len(a); i++ {
		x := float64(a[i])
		y := float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// mmrSelect picks k candidates maximizing lambda*relevance - (1-lambda)*redundancy,
// where redundancy is the highest similarity to an already selected candidate.
// Ties go to the earlier (more relevant) candidate.
func mmrSelect(items []Candidate, k int, lambda float64) []Candidate {
	if k <= 0 || len(items) == 0 {
		return nil
	}
	sorted := make([]Candidate, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	if k >= len(sorted) {
		k = len(sorted)
	}

	selected := make([]Candidate, 0, k)
	used := make([]bool, len(sorted))

	selected = append(selected, sorted[0])
	used[0] = true

	for len(selected) < k {
		bestIdx := -1
		bestVal := math.Inf(-1)

		for i := range sorted {
			if used[i] {
				continue
			}
			maxSim := math.Inf(-1)
			for _, s := range selected {
				if sim := cosine(sorted[i].Vector, s.Vector); sim > maxSim {
					maxSim = sim
				}
			}
			val := lambda*sorted[i].Score - (1.0-lambda)*maxSim
			if val > bestVal {
				bestVal = val
				bestIdx = i
			}
		}

		if bestIdx == -1 {
			break
		}
		used[bestIdx] = true
		selected = append(selected, sorted[bestIdx])
	}

	return selected
}
