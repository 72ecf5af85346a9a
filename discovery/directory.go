package discovery

import (
	"context"
	"sync"

	"powerlink/models"
)

// Directory is the shared advertisement directory keyed by peer id. It is
// written by independent processes without locking; Put fully overwrites the
// entry for a peer id and the last write wins.
type Directory interface {
	Entries(ctx context.Context) (map[string]models.PeerAdvertisement, error)
	Put(ctx context.Context, advertisement models.PeerAdvertisement) error
	Remove(ctx context.Context, peerIDs ...string) error
}

// MemoryDirectory is a Directory shared by everything holding the same
// instance.
type MemoryDirectory struct {
	mu      sync.Mutex
	entries map[string]models.PeerAdvertisement
}

// NewMemoryDirectory creates an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{entries: make(map[string]models.PeerAdvertisement)}
}

func (d *MemoryDirectory) Entries(context.Context) (map[string]models.PeerAdvertisement, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]models.PeerAdvertisement, len(d.entries))
	for id, advertisement := range d.entries {
		out[id] = advertisement
	}
	return out, nil
}

func (d *MemoryDirectory) Put(_ context.Context, advertisement models.PeerAdvertisement) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[advertisement.PeerID] = advertisement
	return nil
}

func (d *MemoryDirectory) Remove(_ context.Context, peerIDs ...string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range peerIDs {
		delete(d.entries, id)
	}
	return nil
}
