package engine

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Bukutsu/la-vak/config"
	"github.com/Bukutsu/la-vak/storage"
)

const eventWaitTimeout = 30 * time.Second

func startTestEngine(t *testing.T, deviceID string, store *storage.Store) *Engine {
	t.Helper()

	eng, err := Start(Options{
		Identity: config.Identity{
			DeviceID:   deviceID,
			DeviceName: deviceID,
			Platform:   "linux",
		},
		DownloadsDir:     t.TempDir(),
		Store:            store,
		DisableDiscovery: true,
	})
	if err != nil {
		t.Fatalf("engine Start failed: %v", err)
	}
	t.Cleanup(eng.Stop)

	return eng
}

func waitForEvent(t *testing.T, events <-chan Event, eventType EventType, onRequest func(Event)) Event {
	t.Helper()

	deadline := time.After(eventWaitTimeout)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed while waiting for %s", eventType)
			}
			if event.Type == EventIncomingRequest && onRequest != nil {
				onRequest(event)
			}
			if event.Type == eventType {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", eventType)
		}
	}
}

func TestEngineLoopbackSendRecordsHistory(t *testing.T) {
	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	sender := startTestEngine(t, "engine-sender", nil)
	receiver := startTestEngine(t, "engine-receiver", store)

	receiverEvents, cancelReceiver := receiver.Subscribe()
	defer cancelReceiver()
	senderEvents, cancelSender := sender.Subscribe()
	defer cancelSender()

	content := []byte("engine glue round trip")
	sourcePath := filepath.Join(t.TempDir(), "glue.txt")
	if err := os.WriteFile(sourcePath, content, 0o600); err != nil {
		t.Fatalf("write source file: %v", err)
	}

	transferID, err := sender.SendFile("127.0.0.1", receiver.Identity().TransportPort, sourcePath, "glue.txt")
	if err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}

	complete := waitForEvent(t, receiverEvents, EventTransferComplete, func(event Event) {
		if !receiver.RespondToIncoming(event.Request.TransferID, true) {
			t.Errorf("RespondToIncoming returned false for pending transfer")
		}
	})
	if complete.Transfer.Status != "completed" {
		t.Fatalf("expected completed transfer, got %q", complete.Transfer.Status)
	}

	senderComplete := waitForEvent(t, senderEvents, EventTransferComplete, nil)
	if senderComplete.Transfer.ID != transferID {
		t.Fatalf("sender completed unexpected transfer %q", senderComplete.Transfer.ID)
	}

	written, err := os.ReadFile(complete.Transfer.DestPath)
	if err != nil {
		t.Fatalf("read received file: %v", err)
	}
	if !bytes.Equal(written, content) {
		t.Fatalf("received file differs from sent content")
	}

	// Terminal events are mirrored into the history store.
	waitFor(t, func() error {
		record, err := store.GetTransfer(complete.Transfer.ID)
		if err != nil {
			return err
		}
		if record.Status != "completed" {
			return errors.New("history record not completed yet")
		}
		return nil
	})

	transfers := receiver.Transfers()
	if len(transfers) != 1 || transfers[0].Status != "completed" {
		t.Fatalf("unexpected transfers snapshot: %+v", transfers)
	}
}

func TestEngineRespondToUnknownTransfer(t *testing.T) {
	eng := startTestEngine(t, "engine-lonely", nil)

	if eng.RespondToIncoming("no-such-id", true) {
		t.Fatalf("expected false for unknown transfer")
	}
}

func TestEnginePeersEmptyWithoutDiscovery(t *testing.T) {
	eng := startTestEngine(t, "engine-quiet", nil)

	if peers := eng.Peers(); len(peers) != 0 {
		t.Fatalf("expected no peers in transfer-only mode, got %+v", peers)
	}
}

func waitFor(t *testing.T, check func() error) {
	t.Helper()

	deadline := time.Now().Add(eventWaitTimeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if lastErr = check(); lastErr == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not met: %v", lastErr)
}
