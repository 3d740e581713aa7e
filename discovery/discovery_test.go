package discovery

import (
	"encoding/json"
	"net"
	"testing"
	"time"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	cfg := Config{
		SelfID:        "self-device-1",
		DeviceName:    "Self",
		Platform:      "linux",
		TransportPort: 40001,
	}.withDefaults()
	if err := cfg.validate(); err != nil {
		t.Fatalf("config validation failed: %v", err)
	}
	return newService(cfg)
}

func helloPayload(t *testing.T, id, name string, transportPort int) []byte {
	t.Helper()
	payload, err := json.Marshal(Hello{
		Type:          HelloType,
		ID:            id,
		DeviceName:    name,
		TransportPort: transportPort,
		Platform:      "linux",
	})
	if err != nil {
		t.Fatalf("marshal hello: %v", err)
	}
	return payload
}

func sourceAddr(ip string) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(ip), Port: MulticastPort}
}

func drainEvents(s *Service) []Event {
	var out []Event
	for {
		select {
		case event := <-s.events:
			out = append(out, event)
		default:
			return out
		}
	}
}

func TestHelloUpsertsPeer(t *testing.T) {
	s := newTestService(t)
	now := time.Now()

	s.handleDatagram(helloPayload(t, "peer-a", "Peer A", 40100), sourceAddr("192.168.1.20"), now)

	peers := s.Peers()
	if len(peers) != 1 {
		t.Fatalf("expected 1 peer, got %d", len(peers))
	}
	peer := peers[0]
	if peer.ID != "peer-a" || peer.DeviceName != "Peer A" || peer.TransportPort != 40100 {
		t.Fatalf("unexpected peer record: %+v", peer)
	}
	if !peer.LastSeen.Equal(now) {
		t.Fatalf("expected LastSeen %v, got %v", now, peer.LastSeen)
	}

	events := drainEvents(s)
	if len(events) != 2 {
		t.Fatalf("expected peer-joined and peers-updated, got %d events", len(events))
	}
	if events[0].Type != EventPeerJoined || events[0].Peer.ID != "peer-a" {
		t.Fatalf("expected peer-joined for peer-a, got %+v", events[0])
	}
	if events[1].Type != EventPeersUpdated || len(events[1].Peers) != 1 {
		t.Fatalf("expected peers-updated with 1 peer, got %+v", events[1])
	}
}

func TestPeerIPComesFromSourceAddress(t *testing.T) {
	s := newTestService(t)

	s.handleDatagram(helloPayload(t, "peer-a", "Peer A", 40100), sourceAddr("10.0.0.5"), time.Now())

	peers := s.Peers()
	if len(peers) != 1 || peers[0].IP != "10.0.0.5" {
		t.Fatalf("expected peer IP from UDP source, got %+v", peers)
	}
}

func TestSelfHellosAreSuppressed(t *testing.T) {
	s := newTestService(t)

	for i := 0; i < 5; i++ {
		s.handleDatagram(helloPayload(t, s.cfg.SelfID, "Self", 40001), sourceAddr("192.168.1.2"), time.Now())
	}

	if peers := s.Peers(); len(peers) != 0 {
		t.Fatalf("node must never appear in its own peer list, got %+v", peers)
	}
	if events := drainEvents(s); len(events) != 0 {
		t.Fatalf("expected no events for self hellos, got %d", len(events))
	}
}

func TestMalformedDatagramsAreDropped(t *testing.T) {
	s := newTestService(t)
	now := time.Now()

	s.handleDatagram([]byte("{not json"), sourceAddr("192.168.1.3"), now)
	s.handleDatagram([]byte(`{"type":"OTHER_PROTO","id":"x"}`), sourceAddr("192.168.1.3"), now)
	s.handleDatagram([]byte(`{"type":"LAVAK_HELLO"}`), sourceAddr("192.168.1.3"), now)

	if peers := s.Peers(); len(peers) != 0 {
		t.Fatalf("expected no peers from malformed datagrams, got %+v", peers)
	}
	if events := drainEvents(s); len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}

func TestRepeatedHelloCoalescesUpdates(t *testing.T) {
	s := newTestService(t)
	start := time.Now()

	s.handleDatagram(helloPayload(t, "peer-a", "Peer A", 40100), sourceAddr("192.168.1.20"), start)
	drainEvents(s)

	s.handleDatagram(helloPayload(t, "peer-a", "Peer A", 40100), sourceAddr("192.168.1.20"), start.Add(3*time.Second))

	if events := drainEvents(s); len(events) != 0 {
		t.Fatalf("identical hello must only refresh LastSeen, got %d events", len(events))
	}

	peers := s.Peers()
	if len(peers) != 1 || !peers[0].LastSeen.Equal(start.Add(3*time.Second)) {
		t.Fatalf("expected refreshed LastSeen, got %+v", peers)
	}
}

func TestChangedHelloEmitsPeersUpdated(t *testing.T) {
	s := newTestService(t)
	now := time.Now()

	s.handleDatagram(helloPayload(t, "peer-a", "Peer A", 40100), sourceAddr("192.168.1.20"), now)
	drainEvents(s)

	s.handleDatagram(helloPayload(t, "peer-a", "Peer A", 40200), sourceAddr("192.168.1.20"), now.Add(time.Second))

	events := drainEvents(s)
	if len(events) != 1 || events[0].Type != EventPeersUpdated {
		t.Fatalf("expected one peers-updated for changed record, got %+v", events)
	}
	if peers := s.Peers(); peers[0].TransportPort != 40200 {
		t.Fatalf("expected updated transport port, got %+v", peers)
	}
}

func TestSweepEvictsStalePeers(t *testing.T) {
	s := newTestService(t)
	start := time.Now()

	s.handleDatagram(helloPayload(t, "peer-a", "Peer A", 40100), sourceAddr("192.168.1.20"), start)
	s.handleDatagram(helloPayload(t, "peer-b", "Peer B", 40101), sourceAddr("192.168.1.21"), start)
	drainEvents(s)

	// Within the timeout nothing is evicted.
	s.sweep(start.Add(s.cfg.PeerTimeout))
	if peers := s.Peers(); len(peers) != 2 {
		t.Fatalf("expected both peers to survive at exactly the timeout, got %d", len(peers))
	}
	if events := drainEvents(s); len(events) != 0 {
		t.Fatalf("expected no eviction events, got %d", len(events))
	}

	// peer-b keeps sending, peer-a goes silent.
	s.handleDatagram(helloPayload(t, "peer-b", "Peer B", 40101), sourceAddr("192.168.1.21"), start.Add(9*time.Second))
	drainEvents(s)

	s.sweep(start.Add(s.cfg.PeerTimeout + 2*time.Second))

	peers := s.Peers()
	if len(peers) != 1 || peers[0].ID != "peer-b" {
		t.Fatalf("expected only peer-b to survive, got %+v", peers)
	}

	events := drainEvents(s)
	if len(events) != 2 {
		t.Fatalf("expected peer-left and peers-updated, got %d events", len(events))
	}
	if events[0].Type != EventPeerLeft || events[0].Peer.ID != "peer-a" {
		t.Fatalf("expected peer-left for peer-a, got %+v", events[0])
	}
	if events[1].Type != EventPeersUpdated || len(events[1].Peers) != 1 {
		t.Fatalf("expected peers-updated with survivor, got %+v", events[1])
	}
}

func TestPeersSnapshotIsSorted(t *testing.T) {
	s := newTestService(t)
	now := time.Now()

	s.handleDatagram(helloPayload(t, "peer-z", "Zeta", 40102), sourceAddr("192.168.1.30"), now)
	s.handleDatagram(helloPayload(t, "peer-a", "Alpha", 40103), sourceAddr("192.168.1.31"), now)

	peers := s.Peers()
	if len(peers) != 2 || peers[0].DeviceName != "Alpha" || peers[1].DeviceName != "Zeta" {
		t.Fatalf("expected name-sorted snapshot, got %+v", peers)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	s, err := Start(Config{
		SelfID:     "lifecycle-device",
		DeviceName: "Lifecycle",
		Platform:   "linux",
	})
	if err != nil {
		t.Skipf("multicast bind unavailable in this environment: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Stop()
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Stop did not complete")
	}

	if peers := s.Peers(); len(peers) != 0 {
		t.Fatalf("expected cleared peer map after Stop, got %+v", peers)
	}

	// The events channel is closed after Stop; draining must terminate.
	for range s.Events() {
	}
}
