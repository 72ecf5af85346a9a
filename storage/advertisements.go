package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"powerlink/models"
)

// Entries returns every advertisement keyed by peer id, stale ones included.
// Freshness is the reader's decision.
func (s *Store) Entries(ctx context.Context) (map[string]models.PeerAdvertisement, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT peer_id, device_name, timestamp, network_type
		FROM advertisements
		ORDER BY timestamp DESC, peer_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query advertisements: %w", err)
	}
	defer rows.Close()

	out := make(map[string]models.PeerAdvertisement)
	for rows.Next() {
		var (
			advertisement models.PeerAdvertisement
			networkType   string
		)
		if err := rows.Scan(
			&advertisement.PeerID,
			&advertisement.DeviceName,
			&advertisement.Timestamp,
			&networkType,
		); err != nil {
			return nil, fmt.Errorf("scan advertisement: %w", err)
		}
		advertisement.NetworkType = models.TransportClass(networkType)
		out[advertisement.PeerID] = advertisement
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate advertisements: %w", err)
	}
	return out, nil
}

// Put writes an advertisement, fully overwriting any previous entry for the
// same peer id.
func (s *Store) Put(ctx context.Context, advertisement models.PeerAdvertisement) error {
	if strings.TrimSpace(advertisement.PeerID) == "" {
		return errors.New("peer_id is required")
	}
	if !advertisement.NetworkType.Valid() {
		advertisement.NetworkType = models.TransportInternet
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO advertisements (peer_id, device_name, timestamp, network_type)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			device_name = excluded.device_name,
			timestamp = excluded.timestamp,
			network_type = excluded.network_type`,
		advertisement.PeerID,
		advertisement.DeviceName,
		advertisement.Timestamp,
		string(advertisement.NetworkType),
	)
	if err != nil {
		return fmt.Errorf("upsert advertisement %q: %w", advertisement.PeerID, err)
	}
	return nil
}

// Remove deletes the advertisements for the given peer ids. Unknown ids are
// ignored.
func (s *Store) Remove(ctx context.Context, peerIDs ...string) error {
	if len(peerIDs) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(peerIDs)), ",")
	args := make([]any, 0, len(peerIDs))
	for _, id := range peerIDs {
		args = append(args, id)
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM advertisements WHERE peer_id IN (`+placeholders+`)`,
		args...,
	); err != nil {
		return fmt.Errorf("delete advertisements: %w", err)
	}
	return nil
}
