package storage

import (
	"context"
	"path/filepath"
	"testing"

	"powerlink/discovery"
	"powerlink/models"
)

var _ discovery.Directory = (*Store)(nil)

func TestPutOverwritesEntryForSamePeer(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustPut(t, store, "abc123", 1000)
	if err := store.Put(ctx, models.PeerAdvertisement{
		PeerID:      "abc123",
		DeviceName:  "Renamed",
		Timestamp:   6000,
		NetworkType: models.TransportUSBTethering,
	}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	entries, err := store.Entries(ctx)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	got := entries["abc123"]
	if got.DeviceName != "Renamed" || got.Timestamp != 6000 || got.NetworkType != models.TransportUSBTethering {
		t.Fatalf("entry was not overwritten: %+v", got)
	}
}

func TestPutValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, models.PeerAdvertisement{PeerID: "  "}); err == nil {
		t.Fatal("expected error for empty peer id")
	}

	if err := store.Put(ctx, models.PeerAdvertisement{PeerID: "p1", Timestamp: 1, NetworkType: "satellite"}); err != nil {
		t.Fatalf("Put with unknown network type failed: %v", err)
	}
	entries, err := store.Entries(ctx)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if entries["p1"].NetworkType != models.TransportInternet {
		t.Fatalf("expected unknown network type to be stored as internet, got %q", entries["p1"].NetworkType)
	}
}

func TestRemove(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustPut(t, store, "h1", 1000)
	mustPut(t, store, "h2", 2000)
	mustPut(t, store, "h3", 3000)

	if err := store.Remove(ctx); err != nil {
		t.Fatalf("Remove with no ids failed: %v", err)
	}
	if err := store.Remove(ctx, "h1", "h3", "missing"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	entries, err := store.Entries(ctx)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one remaining entry, got %d", len(entries))
	}
	if _, ok := entries["h2"]; !ok {
		t.Fatalf("expected h2 to remain, got %+v", entries)
	}
}

func TestStoresOnSameFileShareDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), DefaultDBFileName)
	ctx := context.Background()

	writer, err := OpenPath(dbPath)
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	defer writer.Close()
	reader, err := OpenPath(dbPath)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer reader.Close()

	mustPut(t, writer, "shared", 4242)

	entries, err := reader.Entries(ctx)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if entries["shared"].Timestamp != 4242 {
		t.Fatalf("reader did not observe writer entry: %+v", entries)
	}

	if err := reader.Remove(ctx, "shared"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	entries, err = writer.Entries(ctx)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("writer still sees removed entry: %+v", entries)
	}
}
