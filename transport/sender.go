package transport

import (
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Bukutsu/la-vak/crypto"
)

// SendFile starts an outbound transfer to a peer and returns its transfer ID.
// The transfer runs asynchronously; progress and the terminal outcome are
// delivered through Events.
func (t *Transport) SendFile(peerIP string, peerPort int, localPath, displayName string) (string, error) {
	if strings.TrimSpace(peerIP) == "" {
		return "", errors.New("peer IP is required")
	}
	if peerPort <= 0 || peerPort > 65535 {
		return "", fmt.Errorf("invalid peer port %d", peerPort)
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return "", fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		return "", errors.New("source path must be a file")
	}

	if displayName == "" {
		displayName = filepath.Base(localPath)
	}

	st := t.newTransfer(Transfer{
		ID:        uuid.NewString(),
		Direction: DirectionSend,
		FileName:  displayName,
		FileSize:  info.Size(),
		Status:    StatusConnecting,
		PeerIP:    peerIP,
		StartedAt: time.Now(),
	})
	t.emitProgress(st.snapshot())

	go t.runSend(st, peerIP, peerPort, localPath)

	return st.snapshot().ID, nil
}

func (t *Transport) runSend(st *transferState, peerIP string, peerPort int, localPath string) {
	err := t.sendFile(st, peerIP, peerPort, localPath)
	switch {
	case err == nil:
	case errors.Is(err, ErrRejectedByPeer):
		t.failTransfer(st, StatusRejected, "rejected by peer")
	default:
		t.failTransfer(st, StatusError, err.Error())
	}
}

// sendFile runs the outbound handshake and chunk stream for one transfer.
func (t *Transport) sendFile(st *transferState, peerIP string, peerPort int, localPath string) error {
	record := st.snapshot()

	hash, err := crypto.HashFile(localPath)
	if err != nil {
		return err
	}

	dialer := &net.Dialer{Timeout: t.options.ConnectTimeout}
	address := net.JoinHostPort(peerIP, strconv.Itoa(peerPort))
	conn, err := tls.DialWithDialer(dialer, "tcp", address, clientTLSConfig())
	if err != nil {
		return fmt.Errorf("dial %q: %w", address, err)
	}
	defer func() {
		_ = conn.Close()
	}()

	publicPEM, _, err := crypto.GetKeyPair()
	if err != nil {
		return err
	}

	if err := WriteMessage(conn, HelloMessage{
		Type:       TypeHello,
		PublicKey:  string(publicPEM),
		TransferID: record.ID,
	}, nil); err != nil {
		return err
	}
	t.setStatus(st, StatusHandshake)

	msgType, headerRaw, err := readControlMessage(conn)
	if err != nil {
		return err
	}
	if msgType != TypeSession {
		return fmt.Errorf("%w: expected session, got %q", ErrProtocolViolation, msgType)
	}

	var session SessionMessage
	if err := unmarshalHeader(headerRaw, &session); err != nil {
		return fmt.Errorf("%w: invalid session message", ErrProtocolViolation)
	}
	wrapped, err := base64.StdEncoding.DecodeString(session.EncryptedKey)
	if err != nil {
		return fmt.Errorf("%w: invalid encrypted key encoding", ErrProtocolViolation)
	}
	key, err := crypto.UnwrapSessionKey(wrapped)
	if err != nil {
		return err
	}
	defer crypto.Zero(key)
	baseIV, err := base64.StdEncoding.DecodeString(session.IV)
	if err != nil || len(baseIV) != crypto.BaseIVSize {
		return fmt.Errorf("%w: invalid base IV", ErrProtocolViolation)
	}

	if err := WriteMessage(conn, MetaMessage{
		Type:       TypeMeta,
		Name:       record.FileName,
		Size:       record.FileSize,
		Hash:       hash,
		TransferID: record.ID,
	}, nil); err != nil {
		return err
	}

	msgType, _, err = readControlMessage(conn)
	if err != nil {
		return err
	}
	switch msgType {
	case TypeAccepted:
	case TypeRejected:
		return ErrRejectedByPeer
	default:
		return fmt.Errorf("%w: expected accepted or rejected, got %q", ErrProtocolViolation, msgType)
	}

	t.setStatus(st, StatusTransferring)

	if err := t.streamChunks(st, conn, localPath, key, baseIV); err != nil {
		return err
	}

	if err := WriteMessage(conn, DoneMessage{Type: TypeDone}, nil); err != nil {
		return err
	}

	t.completeTransfer(st)
	return nil
}

// streamChunks seals and writes the source file in ChunkSize blocks.
// Frame writes block when the TCP send buffer is full, which paces the file
// reader against the receiver.
func (t *Transport) streamChunks(st *transferState, conn net.Conn, localPath string, key, baseIV []byte) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	buf := make([]byte, ChunkSize)
	var index uint32
	var sent int64

	for {
		n, err := io.ReadFull(file, buf)
		if n > 0 {
			iv, err := crypto.ChunkIV(baseIV, index)
			if err != nil {
				return err
			}
			ciphertext, tag, err := crypto.SealChunk(key, iv, buf[:n])
			if err != nil {
				return err
			}

			if err := WriteMessage(conn, DataHeader{
				Type:      TypeData,
				Index:     index,
				AuthTag:   base64.StdEncoding.EncodeToString(tag),
				ChunkSize: n,
			}, ciphertext); err != nil {
				return err
			}

			sent += int64(n)
			index++

			if record, ok := st.update(func(tr *Transfer) {
				tr.BytesTransferred = sent
			}); ok {
				t.emitProgress(record)
			}
		}

		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read source file: %w", err)
		}
	}
}

// readControlMessage reads frames until a well-formed header arrives.
// Malformed headers are dropped silently, matching the receiver side.
func readControlMessage(conn net.Conn) (string, []byte, error) {
	for {
		headerRaw, _, err := ReadMessage(conn)
		if err != nil {
			return "", nil, err
		}

		msgType, err := DecodeMessageType(headerRaw)
		if err != nil {
			continue
		}
		return msgType, headerRaw, nil
	}
}
