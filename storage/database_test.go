package storage

import (
	"errors"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, _, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func TestSaveAndGetTransfer(t *testing.T) {
	store := newTestStore(t)

	record := TransferRecord{
		TransferID:   "transfer-1",
		PeerDeviceID: "peer-a",
		Direction:    DirectionSend,
		Filename:     "photo.jpg",
		Filesize:     123456,
		SHA256Hex:    "deadbeef",
		Transport:    "gatt",
		Status:       TransferStatusPending,
	}
	if err := store.SaveTransfer(record); err != nil {
		t.Fatalf("SaveTransfer failed: %v", err)
	}

	got, err := store.GetTransfer("transfer-1")
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}
	if got.Filename != "photo.jpg" || got.Direction != DirectionSend || got.Status != TransferStatusPending {
		t.Fatalf("unexpected record %+v", got)
	}
	if got.CreatedAt == 0 || got.UpdatedAt == 0 {
		t.Fatalf("expected timestamps to be stamped")
	}
}

func TestSaveTransferUpserts(t *testing.T) {
	store := newTestStore(t)

	record := TransferRecord{
		TransferID:   "transfer-1",
		PeerDeviceID: "peer-a",
		Direction:    DirectionReceive,
		Filename:     "a.bin",
		Status:       TransferStatusPending,
	}
	if err := store.SaveTransfer(record); err != nil {
		t.Fatalf("SaveTransfer failed: %v", err)
	}

	record.Status = TransferStatusActive
	if err := store.SaveTransfer(record); err != nil {
		t.Fatalf("SaveTransfer (update) failed: %v", err)
	}

	got, err := store.GetTransfer("transfer-1")
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}
	if got.Status != TransferStatusActive {
		t.Fatalf("expected active, got %q", got.Status)
	}
}

func TestUpdateTransferStatus(t *testing.T) {
	store := newTestStore(t)

	if err := store.SaveTransfer(TransferRecord{
		TransferID: "transfer-1",
		Direction:  DirectionSend,
		Status:     TransferStatusActive,
	}); err != nil {
		t.Fatalf("SaveTransfer failed: %v", err)
	}

	if err := store.UpdateTransferStatus("transfer-1", TransferStatusComplete); err != nil {
		t.Fatalf("UpdateTransferStatus failed: %v", err)
	}

	got, err := store.GetTransfer("transfer-1")
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}
	if got.Status != TransferStatusComplete {
		t.Fatalf("expected complete, got %q", got.Status)
	}
}

func TestUpdateTransferStatusMissing(t *testing.T) {
	store := newTestStore(t)

	if err := store.UpdateTransferStatus("nope", TransferStatusFailed); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetTransferMissing(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.GetTransfer("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListTransfersNewestFirst(t *testing.T) {
	store := newTestStore(t)

	for _, id := range []string{"t1", "t2", "t3"} {
		if err := store.SaveTransfer(TransferRecord{
			TransferID: id,
			Direction:  DirectionSend,
			Status:     TransferStatusComplete,
		}); err != nil {
			t.Fatalf("SaveTransfer(%s) failed: %v", id, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	records, err := store.ListTransfers(10)
	if err != nil {
		t.Fatalf("ListTransfers failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[0].TransferID != "t3" || records[2].TransferID != "t1" {
		t.Fatalf("expected newest first (t3..t1), got %s..%s", records[0].TransferID, records[2].TransferID)
	}
}
