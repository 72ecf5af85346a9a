package models

// DeviceType is the coarse form factor a device declares about itself.
type DeviceType string

const (
	DevicePhone   DeviceType = "phone"
	DeviceTablet  DeviceType = "tablet"
	DeviceLaptop  DeviceType = "laptop"
	DeviceDesktop DeviceType = "desktop"
)

// Valid reports whether t is one of the known device types.
func (t DeviceType) Valid() bool {
	switch t {
	case DevicePhone, DeviceTablet, DeviceLaptop, DeviceDesktop:
		return true
	default:
		return false
	}
}

// DeviceInfo is the metadata a device sends when a channel opens.
type DeviceInfo struct {
	ID    string     `json:"id"`
	Name  string     `json:"name"`
	Type  DeviceType `json:"type"`
	CPU   float64    `json:"cpu"`
	GPU   float64    `json:"gpu"`
	RAM   float64    `json:"ram"`
	Model string     `json:"model"`
	OS    string     `json:"os"`
}

// PerformanceSample carries advisory load numbers reported by a peer.
type PerformanceSample struct {
	CPU float64 `json:"cpu"`
	GPU float64 `json:"gpu"`
	RAM float64 `json:"ram"`
}
