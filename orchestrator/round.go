package orchestrator

import (
	log "github.com/sirupsen/logrus"

	"smartconnect/probing"
	"smartconnect/ranking"
	"smartconnect/structs"
)

// publishRound writes measured latencies back to the store and pushes the ranking.
// The persisted list order is left alone.
func (o *Orchestrator) publishRound(strategy probing.Strategy, profiles []structs.ServerProfile, results []structs.ProbeResult) []string {
	latencies := make(map[string]structs.Latency, len(results))
	for i, r := range results {
		if r.Cause != nil {
			log.Debugf("[Orchestrator] %s (%s) unreachable: %v", r.ServerID, profiles[i].HostPort(), r.Cause)
		}
		latencies[r.ServerID] = r.Latency
	}
	o.writeBack(results, latencies)

	ranked := ranking.Rank(results)
	o.rankSubs.Publish(RankedList{Strategy: strategy, Ranked: ranked, Results: results})
	return ranked
}

func profileByID(profiles []structs.ServerProfile, id string) (structs.ServerProfile, bool) {
	for _, p := range profiles {
		if p.ID == id {
			return p, true
		}
	}
	return structs.ServerProfile{}, false
}

// LatencyBatcher is implemented by stores that persist a whole round in one write
type LatencyBatcher interface {
	UpdateLatencies(latencies map[string]structs.Latency) error
}

// writeBack stores the round's latencies; last writer wins and a profile deleted meanwhile
// is skipped by the store
func (o *Orchestrator) writeBack(results []structs.ProbeResult, latencies map[string]structs.Latency) {
	if b, ok := o.store.(LatencyBatcher); ok {
		if err := b.UpdateLatencies(latencies); err != nil {
			log.Warnf("[Orchestrator] failed to store %d latencies: %v", len(latencies), err)
		}
		return
	}
	for _, r := range results {
		if err := o.store.UpdateLatency(r.ServerID, r.Latency); err != nil {
			log.Warnf("[Orchestrator] failed to store latency for %s: %v", r.ServerID, err)
		}
	}
}

// reachableHead returns the first ranked id if it was reachable in this round
func reachableHead(ranked []string, results []structs.ProbeResult) (string, bool) {
	if len(ranked) == 0 {
		return "", false
	}
	for _, r := range results {
		if r.ServerID == ranked[0] {
			return r.ServerID, r.Latency.Reachable()
		}
	}
	return "", false
}
