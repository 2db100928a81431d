package toolevent

// Stats is the correlation statistics record produced by Correlate (§4.3
// "Correlation"). It is a pure function of an ordered event list.
type Stats struct {
	CountByKind       map[Kind]int
	UnmatchedRequests int
	UnmatchedResults  int
	FailedResults     int
	PairsByTool       map[string]int
	TotalRequests     int
	CompletedPairs    int
}

// newStats returns a zero-valued Stats with its maps initialised.
func newStats() Stats {
	return Stats{
		CountByKind: make(map[Kind]int),
		PairsByTool: make(map[string]int),
	}
}

// Correlate matches tool.request events to tool.result events by
// identifier, in observation order. The tie-break rule (§4.3) is: the first
// unmatched request of a given identifier pairs with the first later
// result carrying that identifier.
func Correlate(events []Event) Stats {
	stats := newStats()

	// pending holds, for each identifier, the queue of requests awaiting a
	// result, oldest first (supports the rare case of duplicate IDs, which
	// the arbiter logs-and-ignores but the correlator still must not panic
	// on).
	pending := make(map[string][]Event)
	var pendingOrder []string // identifiers with at least one unmatched request, first-seen order

	for _, ev := range events {
		stats.CountByKind[ev.Kind]++

		switch ev.Kind {
		case KindRequest:
			stats.TotalRequests++
			if _, ok := pending[ev.ID]; !ok {
				pendingOrder = append(pendingOrder, ev.ID)
			}
			pending[ev.ID] = append(pending[ev.ID], ev)

		case KindResult:
			queue, ok := pending[ev.ID]
			if !ok || len(queue) == 0 {
				stats.UnmatchedResults++
				if !ev.Success {
					stats.FailedResults++
				}
				continue
			}
			// Pop the oldest pending request for this identifier.
			req := queue[0]
			pending[ev.ID] = queue[1:]
			stats.CompletedPairs++
			stats.PairsByTool[req.Tool]++
			if !ev.Success {
				stats.FailedResults++
			}

		case KindProgress:
			// Progress events are informational only; they do not affect
			// correlation counts (§3 invariant only constrains request/result
			// pairing).
		}
	}

	for _, id := range pendingOrder {
		stats.UnmatchedRequests += len(pending[id])
	}

	return stats
}
