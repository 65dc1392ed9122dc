package transport

// TransportStrategy controls how the dispatcher picks among active
// transports when a peer is reachable through more than one.
type TransportStrategy uint8

const (
	// StrategyFirstAvailable picks the first active transport in
	// configuration order.
	StrategyFirstAvailable TransportStrategy = iota
	// StrategyFastest picks the active transport with the lowest
	// average latency.
	StrategyFastest
	// StrategyMostReliable picks the active transport with the highest
	// ratio of successful to attempted connections.
	StrategyMostReliable
	// StrategyLoadBalance spreads peers across active transports by
	// hashing the peer ID.
	StrategyLoadBalance
	// StrategyBestForPeer prefers the transport already connected to
	// the peer, falling back to StrategyFirstAvailable.
	StrategyBestForPeer
)

func (s TransportStrategy) String() string {
	switch s {
	case StrategyFirstAvailable:
		return "first-available"
	case StrategyFastest:
		return "fastest"
	case StrategyMostReliable:
		return "most-reliable"
	case StrategyLoadBalance:
		return "load-balance"
	case StrategyBestForPeer:
		return "best-for-peer"
	default:
		return "unknown"
	}
}

// candidate is a snapshot of one active transport taken under the
// dispatcher's lock, so strategy selection never touches live state.
type candidate struct {
	transportType TransportType
	stats         TransportStats
	peerConnected bool
}

// pickCandidate applies the strategy to the ordered candidate set and
// returns the index of the chosen transport, or -1 when candidates is
// empty. Candidates appear in configuration order, so ties resolve to
// the first transport encountered.
func pickCandidate(strategy TransportStrategy, peerID string, candidates []candidate) int {
	if len(candidates) == 0 {
		return -1
	}

	switch strategy {
	case StrategyFastest:
		return pickFastest(candidates)
	case StrategyMostReliable:
		return pickMostReliable(candidates)
	case StrategyLoadBalance:
		return pickLoadBalance(peerID, candidates)
	case StrategyBestForPeer:
		for i, c := range candidates {
			if c.peerConnected {
				return i
			}
		}
		return 0
	default:
		return 0
	}
}

func pickFastest(candidates []candidate) int {
	best := 0
	for i, c := range candidates {
		if c.stats.AverageLatency < candidates[best].stats.AverageLatency {
			best = i
		}
	}
	return best
}

func pickMostReliable(candidates []candidate) int {
	best := 0
	bestRatio := -1.0
	for i, c := range candidates {
		ratio := successRatio(c.stats)
		if ratio > bestRatio {
			best = i
			bestRatio = ratio
		}
	}
	return best
}

func successRatio(stats TransportStats) float64 {
	if stats.ConnectionAttempts == 0 {
		return 0
	}
	return float64(stats.SuccessfulConnections) / float64(stats.ConnectionAttempts)
}

// pickLoadBalance maps a peer id onto a candidate by summing its
// Unicode code points, so the choice is stable per peer no matter how
// the id is encoded.
func pickLoadBalance(peerID string, candidates []candidate) int {
	var sum uint64
	for _, r := range peerID {
		sum += uint64(r)
	}
	return int(sum % uint64(len(candidates)))
}
