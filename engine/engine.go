package engine

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Bukutsu/la-vak/config"
	"github.com/Bukutsu/la-vak/crypto"
	"github.com/Bukutsu/la-vak/discovery"
	"github.com/Bukutsu/la-vak/storage"
	"github.com/Bukutsu/la-vak/transport"
)

const (
	EventPeerJoined       EventType = "peer-joined"
	EventPeerLeft         EventType = "peer-left"
	EventPeersUpdated     EventType = "peers-updated"
	EventTransferProgress EventType = "transfer-progress"
	EventIncomingRequest  EventType = "incoming-request"
	EventTransferComplete EventType = "transfer-complete"
	EventTransferError    EventType = "transfer-error"
)

// EventType identifies engine events mirrored from the subsystems.
type EventType string

// Event is the unified event surface exposed to collaborators.
type Event struct {
	Type     EventType
	Peer     discovery.Peer
	Peers    []discovery.Peer
	Transfer transport.Transfer
	Request  transport.IncomingRequest
}

// Options configures the engine.
type Options struct {
	Identity     config.Identity
	DownloadsDir string

	// Store, when set, receives a history record for every terminal transfer.
	Store *storage.Store

	// DisableDiscovery runs the engine in transfer-only mode, used for
	// one-shot sends.
	DisableDiscovery bool
}

// Engine wires discovery and transport together and routes their events to
// subscribers. It holds only references handed out by the subsystems; peer
// and transfer tables stay owned by their components.
type Engine struct {
	identity config.Identity

	transport *transport.Transport
	discovery *discovery.Service
	store     *storage.Store

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Start brings up crypto, transport, and discovery, in that order.
func Start(options Options) (*Engine, error) {
	downloadsDir := options.DownloadsDir
	if downloadsDir == "" {
		resolved, err := config.ResolveDownloadsDir()
		if err != nil {
			return nil, err
		}
		downloadsDir = resolved
	}

	// Key generation may take several seconds; pay that cost before any
	// connection needs the pair.
	if _, _, err := crypto.GetKeyPair(); err != nil {
		return nil, err
	}

	listenAddress := ""
	if options.Identity.TransportPort > 0 {
		listenAddress = fmt.Sprintf(":%d", options.Identity.TransportPort)
	}

	tr, err := transport.Start(transport.Options{
		DownloadsDir:  downloadsDir,
		ListenAddress: listenAddress,
	})
	if err != nil {
		return nil, err
	}

	identity := options.Identity
	identity.TransportPort = tr.Port()

	e := &Engine{
		identity:  identity,
		transport: tr,
		store:     options.Store,
		subs:      make(map[int]chan Event),
		done:      make(chan struct{}),
	}

	if !options.DisableDiscovery {
		disc, err := discovery.Start(discovery.Config{
			SelfID:        identity.DeviceID,
			DeviceName:    identity.DeviceName,
			Platform:      identity.Platform,
			HTTPPort:      identity.HTTPPort,
			TransportPort: identity.TransportPort,
		})
		if err != nil {
			tr.Stop()
			return nil, err
		}
		e.discovery = disc

		e.wg.Add(1)
		go e.routeDiscoveryEvents()
	}

	e.wg.Add(1)
	go e.routeTransportEvents()

	return e, nil
}

// Identity returns the announced device identity with the resolved port.
func (e *Engine) Identity() config.Identity {
	return e.identity
}

// SendFile starts an outbound transfer and returns its ID.
func (e *Engine) SendFile(peerIP string, peerPort int, localPath, displayName string) (string, error) {
	return e.transport.SendFile(peerIP, peerPort, localPath, displayName)
}

// RespondToIncoming answers a pending inbound transfer. It reports false if
// the transfer is unknown or already answered.
func (e *Engine) RespondToIncoming(transferID string, accepted bool) bool {
	return e.transport.Respond(transferID, accepted)
}

// Transfers returns a snapshot of all transfers.
func (e *Engine) Transfers() []transport.Transfer {
	return e.transport.Transfers()
}

// Peers returns a snapshot of the live peer table.
func (e *Engine) Peers() []discovery.Peer {
	if e.discovery == nil {
		return nil
	}
	return e.discovery.Peers()
}

// Subscribe registers an event channel. The returned function cancels the
// subscription.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 256)

	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	e.subMu.Unlock()

	cancel := func() {
		e.subMu.Lock()
		if existing, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(existing)
		}
		e.subMu.Unlock()
	}
	return ch, cancel
}

// Stop shuts down discovery and transport and closes all subscriptions.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.done)
		if e.discovery != nil {
			e.discovery.Stop()
		}
		e.transport.Stop()
		e.wg.Wait()

		e.subMu.Lock()
		for id, ch := range e.subs {
			delete(e.subs, id)
			close(ch)
		}
		e.subMu.Unlock()
	})
}

func (e *Engine) publish(event Event) {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	for _, ch := range e.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (e *Engine) routeDiscoveryEvents() {
	defer e.wg.Done()

	for {
		select {
		case event, ok := <-e.discovery.Events():
			if !ok {
				return
			}
			e.publish(Event{
				Type:  EventType(event.Type),
				Peer:  event.Peer,
				Peers: event.Peers,
			})
		case <-e.done:
			return
		}
	}
}

func (e *Engine) routeTransportEvents() {
	defer e.wg.Done()

	for {
		select {
		case event := <-e.transport.Events():
			e.publish(Event{
				Type:     EventType(event.Type),
				Transfer: event.Transfer,
				Request:  event.Request,
			})

			if event.Type == transport.EventTransferComplete || event.Type == transport.EventTransferError {
				e.recordHistory(event.Transfer)
			}
		case <-e.done:
			return
		}
	}
}

func (e *Engine) recordHistory(tr transport.Transfer) {
	if e.store == nil {
		return
	}

	err := e.store.RecordTransfer(storage.TransferRecord{
		ID:               tr.ID,
		Direction:        string(tr.Direction),
		FileName:         tr.FileName,
		FileSize:         tr.FileSize,
		BytesTransferred: tr.BytesTransferred,
		Status:           string(tr.Status),
		PeerIP:           tr.PeerIP,
		Error:            tr.Error,
		DestPath:         tr.DestPath,
		StartedAt:        tr.StartedAt,
		FinishedAt:       time.Now(),
	})
	if err != nil {
		log.Printf("engine: record transfer history: %v", err)
	}
}
