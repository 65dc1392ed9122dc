package transport

import "testing"

func activeCandidate(transportType TransportType) candidate {
	return candidate{
		transportType: transportType,
		stats:         TransportStats{TransportType: transportType, Status: StatusActive},
	}
}

func TestStrategyStrings(t *testing.T) {
	cases := map[TransportStrategy]string{
		StrategyFirstAvailable: "first-available",
		StrategyFastest:        "fastest",
		StrategyMostReliable:   "most-reliable",
		StrategyLoadBalance:    "load-balance",
		StrategyBestForPeer:    "best-for-peer",
	}
	for strategy, want := range cases {
		if got := strategy.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", strategy, got, want)
		}
	}
}

func TestPickCandidateEmpty(t *testing.T) {
	for _, strategy := range []TransportStrategy{
		StrategyFirstAvailable, StrategyFastest, StrategyMostReliable,
		StrategyLoadBalance, StrategyBestForPeer,
	} {
		if idx := pickCandidate(strategy, "peer", nil); idx != -1 {
			t.Errorf("%s: idx = %d, want -1", strategy, idx)
		}
	}
}

func TestFirstAvailablePicksFirst(t *testing.T) {
	candidates := []candidate{
		activeCandidate(TransportBluetoothMesh),
		activeCandidate(TransportLocalNetwork),
	}
	if idx := pickCandidate(StrategyFirstAvailable, "peer", candidates); idx != 0 {
		t.Errorf("idx = %d, want 0", idx)
	}
}

func TestFastestPicksLowestLatency(t *testing.T) {
	candidates := []candidate{
		activeCandidate(TransportInternetP2P),
		activeCandidate(TransportLocalNetwork),
		activeCandidate(TransportWebSocket),
	}
	candidates[0].stats.AverageLatency = 40.0
	candidates[1].stats.AverageLatency = 2.5
	candidates[2].stats.AverageLatency = 15.0

	if idx := pickCandidate(StrategyFastest, "peer", candidates); idx != 1 {
		t.Errorf("idx = %d, want 1", idx)
	}
}

func TestMostReliablePicksHighestRatio(t *testing.T) {
	candidates := []candidate{
		activeCandidate(TransportInternetP2P),
		activeCandidate(TransportLocalNetwork),
	}
	candidates[0].stats.ConnectionAttempts = 10
	candidates[0].stats.SuccessfulConnections = 5
	candidates[1].stats.ConnectionAttempts = 10
	candidates[1].stats.SuccessfulConnections = 9

	if idx := pickCandidate(StrategyMostReliable, "peer", candidates); idx != 1 {
		t.Errorf("idx = %d, want 1", idx)
	}
}

func TestMostReliableNoAttemptsPicksFirst(t *testing.T) {
	candidates := []candidate{
		activeCandidate(TransportInternetP2P),
		activeCandidate(TransportLocalNetwork),
		activeCandidate(TransportWebSocket),
	}
	if idx := pickCandidate(StrategyMostReliable, "peer", candidates); idx != 0 {
		t.Errorf("idx = %d, want 0 when no transport has attempts", idx)
	}
}

func TestMostReliableTiePicksFirst(t *testing.T) {
	candidates := []candidate{
		activeCandidate(TransportInternetP2P),
		activeCandidate(TransportLocalNetwork),
	}
	candidates[0].stats.ConnectionAttempts = 4
	candidates[0].stats.SuccessfulConnections = 2
	candidates[1].stats.ConnectionAttempts = 8
	candidates[1].stats.SuccessfulConnections = 4

	if idx := pickCandidate(StrategyMostReliable, "peer", candidates); idx != 0 {
		t.Errorf("idx = %d, want 0 on equal ratios", idx)
	}
}

func TestLoadBalanceDeterministic(t *testing.T) {
	candidates := []candidate{
		activeCandidate(TransportInternetP2P),
		activeCandidate(TransportLocalNetwork),
		activeCandidate(TransportWebSocket),
	}

	first := pickCandidate(StrategyLoadBalance, "some-peer-id", candidates)
	for i := 0; i < 10; i++ {
		if got := pickCandidate(StrategyLoadBalance, "some-peer-id", candidates); got != first {
			t.Fatalf("selection changed between calls: %d vs %d", got, first)
		}
	}

	var sum uint64
	for _, r := range "some-peer-id" {
		sum += uint64(r)
	}
	if want := int(sum % 3); first != want {
		t.Errorf("idx = %d, want %d", first, want)
	}
}

func TestLoadBalanceSumsCodePoints(t *testing.T) {
	candidates := []candidate{
		activeCandidate(TransportInternetP2P),
		activeCandidate(TransportLocalNetwork),
		activeCandidate(TransportWebSocket),
	}

	// The id hashes by code point, not by UTF-8 byte. "pé" is
	// 'p' (112) + 'é' (233) = 345, 345 % 3 = 0, while its byte sum
	// 112+195+169 = 476 would land on index 2.
	if idx := pickCandidate(StrategyLoadBalance, "pé", candidates); idx != 0 {
		t.Errorf("idx = %d, want 0", idx)
	}
}

func TestBestForPeerPrefersConnected(t *testing.T) {
	candidates := []candidate{
		activeCandidate(TransportInternetP2P),
		activeCandidate(TransportLocalNetwork),
	}
	candidates[1].peerConnected = true

	if idx := pickCandidate(StrategyBestForPeer, "peer", candidates); idx != 1 {
		t.Errorf("idx = %d, want 1", idx)
	}
}

func TestBestForPeerFallsBackToFirst(t *testing.T) {
	candidates := []candidate{
		activeCandidate(TransportInternetP2P),
		activeCandidate(TransportLocalNetwork),
	}
	if idx := pickCandidate(StrategyBestForPeer, "peer", candidates); idx != 0 {
		t.Errorf("idx = %d, want 0", idx)
	}
}
