// Package ipc passes whole pages between processes without copying.
//
// A page belongs to every endpoint that maps it. Sending a page maps it into
// the receiver as well; the sender keeps its mapping until it calls Unmap.
// A page goes back to the bus once nobody maps it and no message carrying
// it is in flight.
//
// Delivery is a rendezvous: Send returns once the receiver has taken the
// message with Recv, or fails when its context ends first.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/romshark/nicring/physmem"
)

var (
	ErrNotMapped   = errors.New("page not mapped")
	ErrPermission  = errors.New("permission denied")
	ErrDuplicate   = errors.New("process already registered")
	ErrUnknownProc = errors.New("unknown process")
)

// ProcID identifies a process on a Bus.
type ProcID uint32

// Tag is the request value carried by a message.
type Tag uint32

const (
	// TagInput marks a page carrying a frame received from the wire.
	TagInput Tag = 10
	// TagOutput marks a page carrying a frame to transmit.
	TagOutput Tag = 11
)

func (t Tag) String() string {
	switch t {
	case TagInput:
		return "INPUT"
	case TagOutput:
		return "OUTPUT"
	}
	return fmt.Sprintf("Tag(%d)", uint32(t))
}

// Perm is the set of access rights a mapping grants.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite

	PermRW = PermRead | PermWrite
)

func (p Perm) String() string {
	b := []byte("--")
	if p&PermRead != 0 {
		b[0] = 'r'
	}
	if p&PermWrite != 0 {
		b[1] = 'w'
	}
	return string(b)
}

// Page is one transferable page.
type Page struct {
	phys physmem.Page
	// refs counts mappings plus in-flight messages, guarded by Bus.mu.
	refs int
}

// Phys returns the physical address of the page.
func (p *Page) Phys() physmem.Addr { return p.phys.Phys }

// Data returns the page contents.
func (p *Page) Data() []byte { return p.phys.Data }

// Packet returns the packet view of the page.
func (p *Page) Packet() Packet { return Packet(p.phys.Data) }

// Message is what Recv returns.
type Message struct {
	From ProcID
	Tag  Tag
	Page *Page
	Perm Perm
}

// Bus connects endpoints and owns the page pool.
//
// Bus is safe for concurrent use.
type Bus struct {
	mem physmem.Allocator
	l   *logrus.Logger

	mu        sync.Mutex
	free      []*Page
	live      int
	endpoints map[ProcID]*Endpoint
}

// NewBus returns a bus drawing fresh pages from mem. Freed pages are kept
// and reused before mem is asked again.
func NewBus(mem physmem.Allocator, l *logrus.Logger) *Bus {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &Bus{mem: mem, l: l, endpoints: map[ProcID]*Endpoint{}}
}

// Register creates the endpoint of process id.
func (b *Bus) Register(id ProcID) (*Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.endpoints[id]; ok {
		return nil, fmt.Errorf("%w: %d", ErrDuplicate, id)
	}
	e := &Endpoint{
		id:     id,
		bus:    b,
		inbox:  make(chan Message),
		mapped: map[*Page]Perm{},
	}
	b.endpoints[id] = e
	return e, nil
}

// Live returns the number of pages currently referenced by any endpoint or
// message.
func (b *Bus) Live() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.live
}

func (b *Bus) alloc() (*Page, error) {
	var p *Page
	if n := len(b.free); n > 0 {
		p = b.free[n-1]
		b.free = b.free[:n-1]
		clear(p.phys.Data)
	} else {
		pg, err := b.mem.AllocPage()
		if err != nil {
			return nil, err
		}
		p = &Page{phys: pg}
	}
	b.live++
	return p, nil
}

// unref drops one reference; b.mu must be held.
func (b *Bus) unref(p *Page) {
	p.refs--
	if p.refs > 0 {
		return
	}
	if p.refs < 0 {
		panic(fmt.Sprintf("ipc: page %v released too often", p.Phys()))
	}
	b.live--
	b.free = append(b.free, p)
}

// Endpoint is one process's view of the bus.
type Endpoint struct {
	id    ProcID
	bus   *Bus
	inbox chan Message

	// mapped is guarded by bus.mu.
	mapped map[*Page]Perm
}

// ID returns the process the endpoint belongs to.
func (e *Endpoint) ID() ProcID { return e.id }

// AllocPage maps a zeroed page read-write.
func (e *Endpoint) AllocPage() (*Page, error) {
	e.bus.mu.Lock()
	defer e.bus.mu.Unlock()
	p, err := e.bus.alloc()
	if err != nil {
		return nil, fmt.Errorf("process %d: allocating page: %w", e.id, err)
	}
	p.refs++
	e.mapped[p] = PermRW
	return p, nil
}

// Unmap removes the endpoint's mapping of p.
func (e *Endpoint) Unmap(p *Page) error {
	e.bus.mu.Lock()
	defer e.bus.mu.Unlock()
	if _, ok := e.mapped[p]; !ok {
		return fmt.Errorf("process %d: %w: %v", e.id, ErrNotMapped, p.Phys())
	}
	delete(e.mapped, p)
	e.bus.unref(p)
	return nil
}

// Mapped reports whether p is mapped and with which rights.
func (e *Endpoint) Mapped(p *Page) (Perm, bool) {
	e.bus.mu.Lock()
	defer e.bus.mu.Unlock()
	perm, ok := e.mapped[p]
	return perm, ok
}

// Send transfers p to process to, mapping it there with perm. The sender
// must have p mapped with at least perm.
func (e *Endpoint) Send(ctx context.Context, to ProcID, tag Tag, p *Page, perm Perm) error {
	b := e.bus
	b.mu.Lock()
	dst, ok := b.endpoints[to]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownProc, to)
	}
	have, ok := e.mapped[p]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("process %d: %w: %v", e.id, ErrNotMapped, p.Phys())
	}
	if perm&^have != 0 {
		b.mu.Unlock()
		return fmt.Errorf("process %d: %w: granting %v on a %v mapping", e.id, ErrPermission, perm, have)
	}
	// The message holds its own reference so the sender may unmap as
	// soon as Send returns.
	p.refs++
	b.mu.Unlock()

	select {
	case dst.inbox <- Message{From: e.id, Tag: tag, Page: p, Perm: perm}:
		return nil
	case <-ctx.Done():
		b.mu.Lock()
		b.unref(p)
		b.mu.Unlock()
		return ctx.Err()
	}
}

// Recv waits for the next message and maps its page.
func (e *Endpoint) Recv(ctx context.Context) (Message, error) {
	select {
	case m := <-e.inbox:
		e.bus.mu.Lock()
		if have, ok := e.mapped[m.Page]; ok {
			// Already mapped here, the message's reference is not needed.
			e.mapped[m.Page] = have | m.Perm
			e.bus.unref(m.Page)
		} else {
			e.mapped[m.Page] = m.Perm
		}
		e.bus.mu.Unlock()
		if e.bus.l.Level >= logrus.TraceLevel {
			e.bus.l.WithFields(logrus.Fields{
				"from": m.From,
				"to":   e.id,
				"tag":  m.Tag.String(),
				"page": m.Page.Phys().String(),
			}).Trace("ipc delivered")
		}
		return m, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}
