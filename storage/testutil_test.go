package storage

import (
	"context"
	"path/filepath"
	"testing"

	"powerlink/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := OpenPath(filepath.Join(t.TempDir(), DefaultDBFileName))
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

func mustPut(t *testing.T, store *Store, peerID string, timestamp int64) {
	t.Helper()

	err := store.Put(context.Background(), models.PeerAdvertisement{
		PeerID:      peerID,
		DeviceName:  "device-" + peerID,
		Timestamp:   timestamp,
		NetworkType: models.TransportLocalWiFi,
	})
	if err != nil {
		t.Fatalf("put advertisement %q: %v", peerID, err)
	}
}
