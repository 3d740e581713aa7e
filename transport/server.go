package transport

import (
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Bukutsu/la-vak/crypto"
)

// Options controls the transport server and outbound transfers.
type Options struct {
	// DownloadsDir is where accepted files are written; created if missing.
	DownloadsDir string
	// ListenAddress defaults to ":0" (OS-chosen port).
	ListenAddress string
	// ConnectTimeout bounds outbound TLS dials.
	ConnectTimeout time.Duration
}

func (o Options) withDefaults() Options {
	out := o
	if out.ListenAddress == "" {
		out.ListenAddress = ":0"
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = DefaultConnectTimeout
	}
	return out
}

// Transport owns the TLS server, all connection handlers, and the transfers
// map.
type Transport struct {
	options  Options
	listener net.Listener
	port     int

	events chan Event

	mu        sync.RWMutex
	transfers map[string]*transferState
	pending   map[string]chan bool

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Start generates the ephemeral TLS identity, binds the listener, and begins
// accepting transfer connections.
func Start(options Options) (*Transport, error) {
	opts := options.withDefaults()
	if opts.DownloadsDir == "" {
		return nil, errors.New("downloads directory is required")
	}
	if err := os.MkdirAll(opts.DownloadsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create downloads directory: %w", err)
	}

	tlsConfig, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}

	listener, err := tls.Listen("tcp", opts.ListenAddress, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", opts.ListenAddress, err)
	}

	t := &Transport{
		options:   opts,
		listener:  listener,
		port:      listener.Addr().(*net.TCPAddr).Port,
		events:    make(chan Event, 256),
		transfers: make(map[string]*transferState),
		pending:   make(map[string]chan bool),
		done:      make(chan struct{}),
	}

	t.wg.Add(1)
	go t.acceptLoop()

	return t, nil
}

// Port returns the bound TLS server port.
func (t *Transport) Port() int {
	return t.port
}

// Events provides asynchronous transfer updates.
func (t *Transport) Events() <-chan Event {
	return t.events
}

// Stop closes the listener. Connections that are already streaming are
// allowed to end; a connection still waiting for an accept/reject decision
// fails with "transport stopped".
func (t *Transport) Stop() {
	t.stopOnce.Do(func() {
		close(t.done)
		_ = t.listener.Close()
		t.wg.Wait()
	})
}

// Respond delivers the user's accept/reject decision for an inbound transfer.
// It reports false if the transfer is unknown or already answered.
func (t *Transport) Respond(transferID string, accepted bool) bool {
	t.mu.Lock()
	ch, ok := t.pending[transferID]
	if ok {
		delete(t.pending, transferID)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	ch <- accepted
	return true
}

func (t *Transport) registerPending(transferID string) chan bool {
	ch := make(chan bool, 1)
	t.mu.Lock()
	t.pending[transferID] = ch
	t.mu.Unlock()
	return ch
}

func (t *Transport) removePending(transferID string) {
	t.mu.Lock()
	delete(t.pending, transferID)
	t.mu.Unlock()
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("transport: accept connection: %v", err)
			continue
		}

		go t.handleConn(conn)
	}
}

// receiverState tracks where in the strictly ordered inbound protocol a
// connection is.
type receiverState int

const (
	receiverAwaitHello receiverState = iota
	receiverAwaitMeta
	receiverStreaming
)

// handleConn runs the receiver state machine for one inbound connection.
func (t *Transport) handleConn(conn net.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	var (
		state      = receiverAwaitHello
		transferID string
		key        []byte
		baseIV     []byte
		meta       MetaMessage
		st         *transferState
		file       *os.File
		destPath   string
		nextIndex  uint32
		written    int64
	)

	peerIP := remoteIP(conn)

	defer func() {
		crypto.Zero(key)
		if file != nil {
			_ = file.Close()
		}
		if transferID != "" {
			t.removePending(transferID)
		}
	}()

	// fail marks the active transfer terminal; the connection is destroyed by
	// returning from the loop.
	fail := func(status Status, message string) {
		if st != nil {
			t.failTransfer(st, status, message)
		}
	}

	for {
		headerRaw, payload, err := ReadMessage(conn)
		if err != nil {
			fail(StatusError, "connection closed unexpectedly")
			return
		}

		msgType, err := DecodeMessageType(headerRaw)
		if err != nil {
			// Malformed headers are dropped; framing continues.
			continue
		}

		switch msgType {
		case TypeHello:
			if state != receiverAwaitHello {
				fail(StatusError, "protocol violation: unexpected hello")
				return
			}

			var hello HelloMessage
			if err := unmarshalHeader(headerRaw, &hello); err != nil || hello.TransferID == "" {
				fail(StatusError, "protocol violation: invalid hello")
				return
			}
			transferID = hello.TransferID

			key, baseIV, err = crypto.GenerateSession()
			if err != nil {
				log.Printf("transport: generate session: %v", err)
				return
			}
			wrapped, err := crypto.WrapSessionKey([]byte(hello.PublicKey), key)
			if err != nil {
				fail(StatusError, "protocol violation: unusable public key")
				return
			}

			if err := WriteMessage(conn, SessionMessage{
				Type:         TypeSession,
				EncryptedKey: base64.StdEncoding.EncodeToString(wrapped),
				IV:           base64.StdEncoding.EncodeToString(baseIV),
			}, nil); err != nil {
				return
			}
			state = receiverAwaitMeta

		case TypeMeta:
			if state != receiverAwaitMeta {
				fail(StatusError, "protocol violation: unexpected meta")
				return
			}

			if err := unmarshalHeader(headerRaw, &meta); err != nil || meta.Size < 0 {
				fail(StatusError, "protocol violation: invalid meta")
				return
			}
			if meta.TransferID != transferID {
				fail(StatusError, "protocol violation: transfer ID mismatch")
				return
			}

			st = t.newTransfer(Transfer{
				ID:        transferID,
				Direction: DirectionReceive,
				FileName:  meta.Name,
				FileSize:  meta.Size,
				Status:    StatusPending,
				PeerIP:    peerIP,
				StartedAt: time.Now(),
			})

			decisionCh := t.registerPending(transferID)
			t.emitEvent(Event{Type: EventIncomingRequest, Request: IncomingRequest{
				TransferID: transferID,
				FileName:   meta.Name,
				FileSize:   meta.Size,
				PeerIP:     peerIP,
			}})
			t.emitProgress(st.snapshot())

			var accepted bool
			select {
			case accepted = <-decisionCh:
			case <-t.done:
				fail(StatusError, "transport stopped")
				return
			}

			if !accepted {
				_ = WriteMessage(conn, RejectedMessage{Type: TypeRejected, TransferID: transferID}, nil)
				t.failTransfer(st, StatusRejected, "rejected by user")
				return
			}

			destPath = filepath.Join(t.options.DownloadsDir, sanitizeFileName(meta.Name))
			file, err = os.OpenFile(destPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
			if err != nil {
				fail(StatusError, fmt.Sprintf("create destination file: %v", err))
				return
			}

			if _, ok := st.update(func(tr *Transfer) {
				tr.Status = StatusTransferring
				tr.DestPath = destPath
			}); ok {
				t.emitProgress(st.snapshot())
			}

			if err := WriteMessage(conn, AcceptedMessage{Type: TypeAccepted, TransferID: transferID}, nil); err != nil {
				fail(StatusError, "connection closed unexpectedly")
				return
			}
			state = receiverStreaming

		case TypeData:
			if state != receiverStreaming {
				fail(StatusError, "protocol violation: data before accept")
				return
			}

			var header DataHeader
			if err := unmarshalHeader(headerRaw, &header); err != nil {
				fail(StatusError, "protocol violation: invalid data header")
				return
			}
			if header.Index != nextIndex {
				fail(StatusError, "protocol violation: unexpected chunk index")
				return
			}

			tag, err := base64.StdEncoding.DecodeString(header.AuthTag)
			if err != nil {
				fail(StatusError, "protocol violation: invalid auth tag")
				return
			}
			iv, err := crypto.ChunkIV(baseIV, header.Index)
			if err != nil {
				fail(StatusError, "protocol violation: invalid session IV")
				return
			}

			plaintext, err := crypto.OpenChunk(key, iv, payload, tag)
			if err != nil {
				fail(StatusError, "Decryption failed: possible tampering")
				return
			}
			if header.ChunkSize > 0 && len(plaintext) != header.ChunkSize {
				fail(StatusError, "protocol violation: chunk size mismatch")
				return
			}
			if written+int64(len(plaintext)) > meta.Size {
				fail(StatusError, "protocol violation: more data than announced")
				return
			}

			if _, err := file.Write(plaintext); err != nil {
				fail(StatusError, fmt.Sprintf("write chunk: %v", err))
				return
			}
			written += int64(len(plaintext))
			nextIndex++

			if record, ok := st.update(func(tr *Transfer) {
				tr.BytesTransferred = written
			}); ok {
				t.emitProgress(record)
			}

		case TypeDone:
			if state != receiverStreaming {
				fail(StatusError, "protocol violation: unexpected done")
				return
			}

			if err := file.Close(); err != nil {
				file = nil
				fail(StatusError, fmt.Sprintf("close destination file: %v", err))
				return
			}
			file = nil

			t.setStatus(st, StatusVerifying)

			digest, err := crypto.HashFile(destPath)
			if err != nil {
				fail(StatusError, fmt.Sprintf("verify destination file: %v", err))
				return
			}
			if !strings.EqualFold(digest, meta.Hash) {
				_ = os.Remove(destPath)
				fail(StatusError, "SHA-256 mismatch: file corrupted")
				return
			}

			t.completeTransfer(st)
			return

		default:
			fail(StatusError, fmt.Sprintf("protocol violation: unexpected message %q", msgType))
			return
		}
	}
}

func unmarshalHeader(headerRaw []byte, into any) error {
	return json.Unmarshal(headerRaw, into)
}

// sanitizeFileName keeps only the final path component of a sender-supplied
// name, so the written path stays inside the downloads directory.
func sanitizeFileName(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "" || base == "." || base == ".." || base == "/" {
		return "file.bin"
	}
	return base
}

func remoteIP(conn net.Conn) string {
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok && addr.IP != nil {
		return addr.IP.String()
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
