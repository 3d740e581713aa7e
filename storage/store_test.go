package storage

import (
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, _, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestRecordAndGetTransfer(t *testing.T) {
	store := openTestStore(t)

	started := time.Now().Add(-30 * time.Second).Truncate(time.Millisecond)
	finished := time.Now().Truncate(time.Millisecond)

	record := TransferRecord{
		ID:               "t-1",
		Direction:        "receive",
		FileName:         "photo.jpg",
		FileSize:         2048,
		BytesTransferred: 2048,
		Status:           "completed",
		PeerIP:           "192.168.1.20",
		DestPath:         "/home/user/Downloads/la-vak/photo.jpg",
		StartedAt:        started,
		FinishedAt:       finished,
	}
	if err := store.RecordTransfer(record); err != nil {
		t.Fatalf("RecordTransfer failed: %v", err)
	}

	got, err := store.GetTransfer("t-1")
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}
	if got.FileName != record.FileName || got.Status != record.Status || got.PeerIP != record.PeerIP {
		t.Fatalf("unexpected record: %+v", got)
	}
	if !got.StartedAt.Equal(started) || !got.FinishedAt.Equal(finished) {
		t.Fatalf("timestamps not preserved: %+v", got)
	}
}

func TestGetTransferNotFound(t *testing.T) {
	store := openTestStore(t)

	if _, err := store.GetTransfer("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordTransferUpserts(t *testing.T) {
	store := openTestStore(t)

	record := TransferRecord{
		ID:         "t-2",
		Direction:  "send",
		FileName:   "doc.pdf",
		FileSize:   100,
		Status:     "error",
		Error:      "connection closed unexpectedly",
		StartedAt:  time.Now(),
		FinishedAt: time.Now(),
	}
	if err := store.RecordTransfer(record); err != nil {
		t.Fatalf("first RecordTransfer failed: %v", err)
	}

	record.Status = "completed"
	record.Error = ""
	record.BytesTransferred = 100
	if err := store.RecordTransfer(record); err != nil {
		t.Fatalf("second RecordTransfer failed: %v", err)
	}

	got, err := store.GetTransfer("t-2")
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}
	if got.Status != "completed" || got.Error != "" || got.BytesTransferred != 100 {
		t.Fatalf("upsert did not overwrite terminal fields: %+v", got)
	}
}

func TestListTransfersNewestFirst(t *testing.T) {
	store := openTestStore(t)

	base := time.Now()
	for i, id := range []string{"old", "mid", "new"} {
		err := store.RecordTransfer(TransferRecord{
			ID:         id,
			Direction:  "send",
			FileName:   id + ".bin",
			FileSize:   1,
			Status:     "completed",
			StartedAt:  base,
			FinishedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("RecordTransfer failed: %v", err)
		}
	}

	records, err := store.ListTransfers(10)
	if err != nil {
		t.Fatalf("ListTransfers failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[0].ID != "new" || records[2].ID != "old" {
		t.Fatalf("expected newest-first ordering, got %v", []string{records[0].ID, records[1].ID, records[2].ID})
	}

	limited, err := store.ListTransfers(2)
	if err != nil {
		t.Fatalf("ListTransfers with limit failed: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected 2 records, got %d", len(limited))
	}
}

func TestRecordTransferRequiresID(t *testing.T) {
	store := openTestStore(t)

	if err := store.RecordTransfer(TransferRecord{Direction: "send"}); err == nil {
		t.Fatalf("expected error for missing ID")
	}
}
