package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "host.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return st
}

func TestSaveAndLoadRoom(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.LoadRoom(ctx); !errors.Is(err, ErrNoRoom) {
		t.Fatalf("expected ErrNoRoom, got %v", err)
	}

	room := RoomRow{RoomID: "r1", Name: "Club", Locked: false, CreatedAt: 100, UpdatedAt: 100}
	if err := st.SaveRoom(ctx, room); err != nil {
		t.Fatalf("save: %v", err)
	}

	room.Locked = true
	room.UpdatedAt = 200
	if err := st.SaveRoom(ctx, room); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := st.LoadRoom(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.RoomID != "r1" || got.Name != "Club" || !got.Locked || got.UpdatedAt != 200 {
		t.Fatalf("loaded room: %+v", got)
	}
}

func TestRecordAndQueryTransfers(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	rows := []TransferRow{
		{TransferID: "t1", FileID: "f1", RequesterID: "p1", OwnerID: "p2", SizeBytes: 100, BytesMoved: 100, State: "COMPLETE", StartedAt: 1, FinishedAt: 2},
		{TransferID: "t2", FileID: "f2", RequesterID: "p1", OwnerID: "p2", SizeBytes: 100, BytesMoved: 40, State: "ERROR", ErrorCode: "STALLED", StartedAt: 3, FinishedAt: 4},
		{TransferID: "t3", FileID: "f1", RequesterID: "p3", OwnerID: "p2", SizeBytes: 100, BytesMoved: 100, State: "COMPLETE", StartedAt: 5, FinishedAt: 6},
	}
	for _, r := range rows {
		if err := st.RecordTransfer(ctx, r); err != nil {
			t.Fatalf("record %s: %v", r.TransferID, err)
		}
	}

	recent, err := st.RecentTransfers(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 || recent[0].TransferID != "t3" || recent[1].TransferID != "t2" {
		t.Fatalf("recent order wrong: %+v", recent)
	}

	counts, err := st.TransferCounts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts["COMPLETE"] != 2 || counts["ERROR"] != 1 {
		t.Fatalf("counts: %v", counts)
	}
}

func TestNilStoreIsNoOp(t *testing.T) {
	var st *Store
	ctx := context.Background()
	if err := st.SaveRoom(ctx, RoomRow{}); err != nil {
		t.Fatalf("nil SaveRoom: %v", err)
	}
	if err := st.RecordTransfer(ctx, TransferRow{}); err != nil {
		t.Fatalf("nil RecordTransfer: %v", err)
	}
	if rows, err := st.RecentTransfers(ctx, 5); err != nil || rows != nil {
		t.Fatalf("nil RecentTransfers: %v %v", rows, err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("nil Close: %v", err)
	}
}
