package discovery

import (
	"errors"
	"sync"

	"powerlink/models"
)

const (
	// NoticeAnnounce advertises or refreshes a host.
	NoticeAnnounce NoticeType = "host-announce"
	// NoticeGoodbye withdraws a host.
	NoticeGoodbye NoticeType = "host-goodbye"
)

// ErrPortClosed is returned when posting on a closed bus port.
var ErrPortClosed = errors.New("discovery: bus port closed")

// NoticeType identifies broadcast channel messages.
type NoticeType string

// Notice is one message on the broadcast channel.
type Notice struct {
	Type NoticeType               `json:"type"`
	Host models.PeerAdvertisement `json:"data"`
}

// Bus is a broadcast channel shared by every participant of one scope.
// Posting on a port delivers the notice to every other open port of the same
// bus, never back to the sender.
type Bus interface {
	Open(handler func(Notice)) (Port, error)
}

// Port is one participant's handle on a Bus.
type Port interface {
	Post(notice Notice) error
	Close() error
}

// MemoryBus is an in-process Bus. All ports opened on the same MemoryBus form
// one scope.
type MemoryBus struct {
	mu    sync.RWMutex
	ports map[*memoryPort]struct{}
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{ports: make(map[*memoryPort]struct{})}
}

// Open joins the bus. handler is invoked synchronously from the posting
// goroutine.
func (b *MemoryBus) Open(handler func(Notice)) (Port, error) {
	port := &memoryPort{bus: b, handler: handler}
	b.mu.Lock()
	b.ports[port] = struct{}{}
	b.mu.Unlock()
	return port, nil
}

type memoryPort struct {
	bus     *MemoryBus
	handler func(Notice)

	mu     sync.Mutex
	closed bool
}

func (p *memoryPort) Post(notice Notice) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrPortClosed
	}

	p.bus.mu.RLock()
	targets := make([]*memoryPort, 0, len(p.bus.ports))
	for other := range p.bus.ports {
		if other != p {
			targets = append(targets, other)
		}
	}
	p.bus.mu.RUnlock()

	for _, target := range targets {
		target.deliver(notice)
	}
	return nil
}

func (p *memoryPort) deliver(notice Notice) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed || p.handler == nil {
		return
	}
	p.handler(notice)
}

func (p *memoryPort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.bus.mu.Lock()
	delete(p.bus.ports, p)
	p.bus.mu.Unlock()
	return nil
}
