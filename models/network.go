package models

// TransportClass is the category of physical path between two devices.
type TransportClass string

const (
	TransportUSBTethering TransportClass = "usb-tethering"
	TransportLocalWiFi    TransportClass = "local-wifi"
	TransportInternet     TransportClass = "internet"
)

// Valid reports whether c is one of the known transport classes.
func (c TransportClass) Valid() bool {
	switch c {
	case TransportUSBTethering, TransportLocalWiFi, TransportInternet:
		return true
	default:
		return false
	}
}

// Local reports whether the class implies a direct path without relay help.
func (c TransportClass) Local() bool {
	return c == TransportUSBTethering || c == TransportLocalWiFi
}

// NetworkProfile is the result of one classification pass.
type NetworkProfile struct {
	TransportClass TransportClass `json:"transport_class"`
	LocalAddress   string         `json:"local_address,omitempty"`
	Online         bool           `json:"online"`
}
