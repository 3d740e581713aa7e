package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
)

const (
	// MulticastGroup is the discovery multicast group address.
	MulticastGroup = "239.255.42.99"
	// MulticastPort is the discovery UDP port.
	MulticastPort = 41234
	// HelloType is the datagram type tag for peer announcements.
	HelloType = "LAVAK_HELLO"
	// DefaultBroadcastInterval is the hello broadcast period.
	DefaultBroadcastInterval = 3 * time.Second
	// DefaultPeerTimeout evicts peers that sent no hello for this long.
	DefaultPeerTimeout = 10 * time.Second

	// multicastTTL allows hellos to cross LAN segments behind multicast routers.
	multicastTTL = 128

	maxDatagramSize = 2048
)

const (
	// EventPeerJoined is emitted when a previously unknown peer appears.
	EventPeerJoined EventType = "peer-joined"
	// EventPeerLeft is emitted when a stale peer is evicted by the sweep.
	EventPeerLeft EventType = "peer-left"
	// EventPeersUpdated carries the full peer list after any set change or
	// change to a peer's record (LastSeen alone does not count).
	EventPeersUpdated EventType = "peers-updated"
)

// EventType identifies peer discovery updates.
type EventType string

// Event carries discovery updates for engine/UI consumers.
type Event struct {
	Type  EventType
	Peer  Peer
	Peers []Peer
}

// Hello is the UTF-8 JSON datagram broadcast to the multicast group.
type Hello struct {
	Type          string `json:"type"`
	ID            string `json:"id"`
	DeviceName    string `json:"deviceName"`
	HTTPPort      int    `json:"httpPort"`
	TransportPort int    `json:"transportPort"`
	Platform      string `json:"platform"`
}

// Peer is one known remote node.
//
// IP always comes from the UDP source address, never from the payload.
type Peer struct {
	ID            string
	DeviceName    string
	IP            string
	HTTPPort      int
	TransportPort int
	Platform      string
	LastSeen      time.Time
}

// Config controls the hello broadcaster and peer table.
type Config struct {
	SelfID        string
	DeviceName    string
	Platform      string
	HTTPPort      int
	TransportPort int

	Group             string
	Port              int
	BroadcastInterval time.Duration
	PeerTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.Group == "" {
		out.Group = MulticastGroup
	}
	if out.Port == 0 {
		out.Port = MulticastPort
	}
	if out.BroadcastInterval <= 0 {
		out.BroadcastInterval = DefaultBroadcastInterval
	}
	if out.PeerTimeout <= 0 {
		out.PeerTimeout = DefaultPeerTimeout
	}
	return out
}

func (c Config) validate() error {
	if strings.TrimSpace(c.SelfID) == "" {
		return errors.New("self device ID is required")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device name is required")
	}
	return nil
}

// Service broadcasts hellos and maintains the live peer table.
type Service struct {
	cfg Config

	conn       *net.UDPConn
	packetConn *ipv4.PacketConn
	groupAddr  *net.UDPAddr
	joined     []net.Interface

	mu    sync.RWMutex
	peers map[string]Peer

	events chan Event

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

func newService(cfg Config) *Service {
	return &Service{
		cfg:    cfg,
		peers:  make(map[string]Peer),
		events: make(chan Event, 128),
		done:   make(chan struct{}),
	}
}

// Start binds the multicast socket, joins the group, and begins broadcasting
// and sweeping. A bind failure is fatal and returned to the caller.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	group := net.ParseIP(cfg.Group)
	if group == nil {
		return nil, fmt.Errorf("invalid multicast group %q", cfg.Group)
	}

	s := newService(cfg)
	s.groupAddr = &net.UDPAddr{IP: group, Port: cfg.Port}

	conn, err := net.ListenMulticastUDP("udp4", nil, s.groupAddr)
	if err != nil {
		return nil, fmt.Errorf("bind discovery socket on port %d: %w", cfg.Port, err)
	}
	s.conn = conn

	packetConn := ipv4.NewPacketConn(conn)
	s.joinInterfaces(packetConn, group)
	if err := packetConn.SetMulticastTTL(multicastTTL); err != nil {
		log.Printf("discovery: set multicast TTL: %v", err)
	}
	if err := packetConn.SetMulticastLoopback(true); err != nil {
		log.Printf("discovery: set multicast loopback: %v", err)
	}
	s.packetConn = packetConn

	s.wg.Add(3)
	go s.broadcastLoop()
	go s.readLoop()
	go s.sweepLoop()

	return s, nil
}

// joinInterfaces joins the group on every usable interface. Multi-homed hosts
// may have unjoinable interfaces; those are logged and skipped.
func (s *Service) joinInterfaces(packetConn *ipv4.PacketConn, group net.IP) {
	ifaces, err := net.Interfaces()
	if err != nil {
		log.Printf("discovery: list interfaces: %v", err)
		return
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		iface := iface
		if err := packetConn.JoinGroup(&iface, &net.UDPAddr{IP: group}); err != nil {
			log.Printf("discovery: join group on %s: %v", iface.Name, err)
			continue
		}
		s.joined = append(s.joined, iface)
	}
}

// Stop halts broadcasting, drops group membership, closes the socket, and
// clears the peer map.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)

		if s.packetConn != nil {
			for _, iface := range s.joined {
				iface := iface
				_ = s.packetConn.LeaveGroup(&iface, s.groupAddr)
			}
		}
		if s.conn != nil {
			_ = s.conn.Close()
		}

		s.wg.Wait()

		s.mu.Lock()
		s.peers = make(map[string]Peer)
		s.mu.Unlock()

		close(s.events)
	})
}

// Events provides asynchronous discovery updates.
func (s *Service) Events() <-chan Event {
	return s.events
}

// Peers returns a snapshot of the current peer table.
func (s *Service) Peers() []Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Service) snapshotLocked() []Peer {
	out := make([]Peer, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, peer)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceName == out[j].DeviceName {
			return out[i].ID < out[j].ID
		}
		return out[i].DeviceName < out[j].DeviceName
	})
	return out
}

func (s *Service) broadcastLoop() {
	defer s.wg.Done()

	s.sendHello()

	ticker := time.NewTicker(s.cfg.BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sendHello()
		case <-s.done:
			return
		}
	}
}

// sendHello broadcasts one announcement. Send errors are per-datagram and
// never terminate the broadcast loop.
func (s *Service) sendHello() {
	payload, err := json.Marshal(Hello{
		Type:          HelloType,
		ID:            s.cfg.SelfID,
		DeviceName:    s.cfg.DeviceName,
		HTTPPort:      s.cfg.HTTPPort,
		TransportPort: s.cfg.TransportPort,
		Platform:      s.cfg.Platform,
	})
	if err != nil {
		log.Printf("discovery: marshal hello: %v", err)
		return
	}

	if _, err := s.conn.WriteToUDP(payload, s.groupAddr); err != nil {
		select {
		case <-s.done:
		default:
			log.Printf("discovery: send hello: %v", err)
		}
	}
}

func (s *Service) readLoop() {
	defer s.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("discovery: read datagram: %v", err)
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		s.handleDatagram(payload, src, time.Now())
	}
}

// handleDatagram upserts the peer table from one datagram. Datagrams that do
// not parse, or whose type is not LAVAK_HELLO, or that echo our own ID are
// dropped silently.
func (s *Service) handleDatagram(payload []byte, src *net.UDPAddr, now time.Time) {
	var hello Hello
	if err := json.Unmarshal(payload, &hello); err != nil {
		return
	}
	if hello.Type != HelloType {
		return
	}
	if hello.ID == "" || hello.ID == s.cfg.SelfID {
		return
	}

	ip := ""
	if src != nil && src.IP != nil {
		ip = src.IP.String()
	}

	next := Peer{
		ID:            hello.ID,
		DeviceName:    hello.DeviceName,
		IP:            ip,
		HTTPPort:      hello.HTTPPort,
		TransportPort: hello.TransportPort,
		Platform:      hello.Platform,
		LastSeen:      now,
	}

	s.mu.Lock()
	prev, exists := s.peers[hello.ID]
	s.peers[hello.ID] = next
	joined := !exists
	changed := joined || !peersEqual(prev, next)
	var snapshot []Peer
	if changed {
		snapshot = s.snapshotLocked()
	}
	s.mu.Unlock()

	if joined {
		s.emitEvent(Event{Type: EventPeerJoined, Peer: next})
	}
	if changed {
		s.emitEvent(Event{Type: EventPeersUpdated, Peers: snapshot})
	}
}

func (s *Service) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PeerTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep(time.Now())
		case <-s.done:
			return
		}
	}
}

// sweep evicts peers whose last hello is older than the peer timeout.
func (s *Service) sweep(now time.Time) {
	s.mu.Lock()
	var removed []Peer
	for id, peer := range s.peers {
		if now.Sub(peer.LastSeen) > s.cfg.PeerTimeout {
			delete(s.peers, id)
			removed = append(removed, peer)
		}
	}
	var snapshot []Peer
	if len(removed) > 0 {
		snapshot = s.snapshotLocked()
	}
	s.mu.Unlock()

	for _, peer := range removed {
		s.emitEvent(Event{Type: EventPeerLeft, Peer: peer})
	}
	if len(removed) > 0 {
		s.emitEvent(Event{Type: EventPeersUpdated, Peers: snapshot})
	}
}

func (s *Service) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

// peersEqual compares peer records ignoring LastSeen.
func peersEqual(a, b Peer) bool {
	return a.ID == b.ID &&
		a.DeviceName == b.DeviceName &&
		a.IP == b.IP &&
		a.HTTPPort == b.HTTPPort &&
		a.TransportPort == b.TransportPort &&
		a.Platform == b.Platform
}
