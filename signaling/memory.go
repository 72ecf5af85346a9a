package signaling

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

const memoryQueueSize = 64

// Compile-time interface check.
var _ Broker = (*MemoryBroker)(nil)

// MemoryBroker is an in-process Broker. Registrations on the same broker can
// signal each other directly.
type MemoryBroker struct {
	mu      sync.Mutex
	regs    map[string]*memoryRegistration
	queued  []string
	failErr error
}

// NewMemoryBroker creates an empty in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{regs: make(map[string]*memoryRegistration)}
}

// QueueIDs makes the next registrations receive the given ids, in order,
// instead of random ones.
func (b *MemoryBroker) QueueIDs(ids ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queued = append(b.queued, ids...)
}

// FailRegistrations makes every following Register call fail with err. A nil
// err restores normal behaviour.
func (b *MemoryBroker) FailRegistrations(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failErr = err
}

func (b *MemoryBroker) Register(ctx context.Context) (Registration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failErr != nil {
		return nil, b.failErr
	}

	id := ""
	for len(b.queued) > 0 && id == "" {
		candidate := b.queued[0]
		b.queued = b.queued[1:]
		if _, taken := b.regs[candidate]; !taken {
			id = candidate
		}
	}
	if id == "" {
		id = uuid.NewString()
	}

	reg := &memoryRegistration{
		broker:  b,
		id:      id,
		signals: make(chan Signal, memoryQueueSize),
	}
	b.regs[id] = reg
	return reg, nil
}

func (b *MemoryBroker) lookup(id string) (*memoryRegistration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	reg, ok := b.regs[id]
	return reg, ok
}

func (b *MemoryBroker) remove(reg *memoryRegistration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.regs[reg.id] == reg {
		delete(b.regs, reg.id)
	}
}

type memoryRegistration struct {
	broker  *MemoryBroker
	id      string
	signals chan Signal

	mu     sync.Mutex
	closed bool
}

func (r *memoryRegistration) ID() string { return r.id }

func (r *memoryRegistration) Signals() <-chan Signal { return r.signals }

func (r *memoryRegistration) Send(ctx context.Context, signal Signal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}

	target, ok := r.broker.lookup(signal.To)
	if !ok {
		return ErrPeerUnavailable
	}
	signal.From = r.id
	err := target.deliver(signal)
	if errors.Is(err, ErrClosed) {
		return ErrPeerUnavailable
	}
	return err
}

func (r *memoryRegistration) deliver(signal Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	select {
	case r.signals <- signal:
		return nil
	default:
		return ErrQueueFull
	}
}

func (r *memoryRegistration) Close() error {
	r.broker.remove(r)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	close(r.signals)
	return nil
}
