package ranking

import (
	"sort"

	"smartconnect/structs"
)

// Rank orders server ids by ascending latency. Unreachable entries come after every
// reachable one and equal latencies keep their input order, so identical inputs always
// rank identically. The input slice is not reordered.
func Rank(results []structs.ProbeResult) []string {
	idx := make([]int, len(results))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return less(results[idx[a]].Latency, results[idx[b]].Latency)
	})

	ranked := make([]string, len(idx))
	for i, j := range idx {
		ranked[i] = results[j].ServerID
	}
	return ranked
}

func less(a, b structs.Latency) bool {
	switch {
	case !a.Reachable():
		return false
	case !b.Reachable():
		return true
	default:
		return a < b
	}
}

// Best returns the fastest reachable server, or false when every entry is unreachable
func Best(results []structs.ProbeResult) (string, bool) {
	best := -1
	for i, r := range results {
		if !r.Latency.Reachable() {
			continue
		}
		if best < 0 || r.Latency < results[best].Latency {
			best = i
		}
	}
	if best < 0 {
		return "", false
	}
	return results[best].ServerID, true
}
