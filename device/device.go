// Package device describes the local machine for the self-introduction sent
// on every new session.
package device

import (
	"math"
	"os"
	"runtime"
	"strings"

	"github.com/pbnjay/memory"

	"powerlink/models"
)

const bytesPerGiB = 1 << 30

// Overrides replaces detected values. Zero fields keep the detected value.
type Overrides struct {
	Name string
	Type models.DeviceType
}

// facts are the runtime values a description is built from.
type facts struct {
	goos     string
	goarch   string
	hostname func() (string, error)
	cpus     int
	ramBytes uint64
}

func runtimeFacts() facts {
	return facts{
		goos:     runtime.GOOS,
		goarch:   runtime.GOARCH,
		hostname: os.Hostname,
		cpus:     runtime.NumCPU(),
		ramBytes: memory.TotalMemory(),
	}
}

// Local describes this machine. The id is left empty; the session layer
// fills in the signaling peer id.
func Local(overrides Overrides) models.DeviceInfo {
	return describe(runtimeFacts(), overrides)
}

// TypeFor maps an operating system name to the device type it most likely
// runs on.
func TypeFor(goos string) models.DeviceType {
	switch goos {
	case "android", "ios":
		return models.DevicePhone
	case "darwin":
		return models.DeviceLaptop
	default:
		return models.DeviceDesktop
	}
}

// DefaultName returns the hostname, or a name derived from the OS when the
// hostname is unavailable.
func DefaultName() string {
	return defaultName(runtimeFacts())
}

func describe(f facts, overrides Overrides) models.DeviceInfo {
	info := models.DeviceInfo{
		Name:  defaultName(f),
		Type:  TypeFor(f.goos),
		CPU:   float64(f.cpus),
		RAM:   math.Round(float64(f.ramBytes)/bytesPerGiB*10) / 10,
		Model: f.goarch,
		OS:    f.goos,
	}
	if name := strings.TrimSpace(overrides.Name); name != "" {
		info.Name = name
	}
	if overrides.Type.Valid() {
		info.Type = overrides.Type
	}
	return info
}

func defaultName(f facts) string {
	if f.hostname != nil {
		if name, err := f.hostname(); err == nil && strings.TrimSpace(name) != "" {
			return strings.TrimSpace(name)
		}
	}
	return f.goos + " device"
}
