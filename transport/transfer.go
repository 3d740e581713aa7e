package transport

import (
	"sort"
	"sync"
	"time"
)

// Direction tells which side of a transfer this node is.
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// Status is the lifecycle state of one transfer.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusHandshake    Status = "handshake"
	StatusPending      Status = "pending"
	StatusTransferring Status = "transferring"
	StatusVerifying    Status = "verifying"
	StatusCompleted    Status = "completed"
	StatusRejected     Status = "rejected"
	StatusError        Status = "error"
)

// Transfer is a snapshot of one transfer's state.
type Transfer struct {
	ID               string
	Direction        Direction
	FileName         string
	FileSize         int64
	BytesTransferred int64
	Status           Status
	PeerIP           string
	Error            string
	StartedAt        time.Time
	DestPath         string
}

// IncomingRequest describes an inbound transfer awaiting a user decision.
type IncomingRequest struct {
	TransferID string
	FileName   string
	FileSize   int64
	PeerIP     string
}

const (
	// EventTransferProgress is emitted on every observable state change and
	// on each chunk.
	EventTransferProgress EventType = "transfer-progress"
	// EventIncomingRequest is emitted exactly once per inbound transfer.
	EventIncomingRequest EventType = "incoming-request"
	// EventTransferComplete is emitted exactly once on success.
	EventTransferComplete EventType = "transfer-complete"
	// EventTransferError is emitted exactly once on any terminal failure.
	EventTransferError EventType = "transfer-error"
)

// EventType identifies transport events.
type EventType string

// Event carries transfer updates for engine/UI consumers.
type Event struct {
	Type     EventType
	Transfer Transfer
	Request  IncomingRequest
}

// transferState is the mutable record behind one Transfer snapshot. All
// terminal paths funnel through finish, which enforces the exactly-one
// terminal event contract.
type transferState struct {
	mu       sync.Mutex
	record   Transfer
	terminal bool
}

func (st *transferState) snapshot() Transfer {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.record
}

// update applies a mutation unless the transfer already reached a terminal
// state. It reports whether the mutation was applied.
func (st *transferState) update(mutate func(*Transfer)) (Transfer, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.terminal {
		return st.record, false
	}
	mutate(&st.record)
	return st.record, true
}

// finish moves the transfer to a terminal state. It reports false if another
// path already finished it.
func (st *transferState) finish(mutate func(*Transfer)) (Transfer, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.terminal {
		return st.record, false
	}
	mutate(&st.record)
	st.terminal = true
	return st.record, true
}

func (t *Transport) newTransfer(record Transfer) *transferState {
	st := &transferState{record: record}

	t.mu.Lock()
	t.transfers[record.ID] = st
	t.mu.Unlock()

	return st
}

// Transfers returns a snapshot list of all known transfers.
func (t *Transport) Transfers() []Transfer {
	t.mu.RLock()
	states := make([]*transferState, 0, len(t.transfers))
	for _, st := range t.transfers {
		states = append(states, st)
	}
	t.mu.RUnlock()

	out := make([]Transfer, 0, len(states))
	for _, st := range states {
		out = append(out, st.snapshot())
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// setStatus advances a transfer's status and emits progress.
func (t *Transport) setStatus(st *transferState, status Status) {
	record, ok := st.update(func(tr *Transfer) {
		tr.Status = status
	})
	if ok {
		t.emitProgress(record)
	}
}

// completeTransfer is the single success-terminal emission site.
func (t *Transport) completeTransfer(st *transferState) {
	record, ok := st.finish(func(tr *Transfer) {
		tr.Status = StatusCompleted
		tr.BytesTransferred = tr.FileSize
	})
	if !ok {
		return
	}
	t.emitEvent(Event{Type: EventTransferComplete, Transfer: record})
}

// failTransfer is the single failure-terminal emission site.
func (t *Transport) failTransfer(st *transferState, status Status, message string) {
	record, ok := st.finish(func(tr *Transfer) {
		tr.Status = status
		tr.Error = message
	})
	if !ok {
		return
	}
	t.emitEvent(Event{Type: EventTransferError, Transfer: record})
}

// emitProgress drops updates if the consumer lags; progress is advisory.
func (t *Transport) emitProgress(record Transfer) {
	select {
	case t.events <- Event{Type: EventTransferProgress, Transfer: record}:
	default:
	}
}

// emitEvent delivers request and terminal events, which must not be dropped.
func (t *Transport) emitEvent(event Event) {
	select {
	case t.events <- event:
	case <-t.done:
	}
}
