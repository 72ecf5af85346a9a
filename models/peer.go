package models

import "time"

// PeerAdvertisement is one host's claim that it is reachable. The JSON form is
// the shared directory record.
type PeerAdvertisement struct {
	PeerID      string         `json:"peerId"`
	DeviceName  string         `json:"deviceName"`
	Timestamp   int64          `json:"timestamp"`
	NetworkType TransportClass `json:"networkType"`
}

// AdvertisedAt returns the advertisement timestamp as a time.Time.
func (a PeerAdvertisement) AdvertisedAt() time.Time {
	return time.UnixMilli(a.Timestamp)
}

// Age reports how old the advertisement is relative to now.
func (a PeerAdvertisement) Age(now time.Time) time.Duration {
	return now.Sub(a.AdvertisedAt())
}
