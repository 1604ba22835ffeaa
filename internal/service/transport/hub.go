package transport

import (
	"context"
	"sync"

	"securemsg/internal/model"
)

const frameBuffer = 256

type (
	// Hub is an in-process relay. Frames for addresses that are not
	// connected are queued until they connect, like the server's offline
	// queue.
	Hub struct {
		mu        sync.Mutex
		endpoints map[string]*Endpoint
		queued    map[string][]model.Frame
	}

	Endpoint struct {
		hub    *Hub
		addr   string
		frames chan model.Frame
		once   sync.Once
	}
)

var _ Transport = (*Endpoint)(nil)

func NewHub() *Hub {
	return &Hub{
		endpoints: make(map[string]*Endpoint),
		queued:    make(map[string][]model.Frame),
	}
}

// Connect registers addr and hands it any frames queued while it was away.
func (h *Hub) Connect(addr string) *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()

	pending := h.queued[addr]
	ep := &Endpoint{hub: h, addr: addr, frames: make(chan model.Frame, frameBuffer+len(pending))}
	h.endpoints[addr] = ep
	for _, f := range pending {
		ep.frames <- f
	}
	delete(h.queued, addr)
	return ep
}

func (h *Hub) route(f model.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ep, ok := h.endpoints[f.To]; ok {
		select {
		case ep.frames <- f:
			return
		default:
		}
	}
	h.queued[f.To] = append(h.queued[f.To], f)
}

func (h *Hub) disconnect(ep *Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.endpoints[ep.addr] == ep {
		delete(h.endpoints, ep.addr)
	}
	close(ep.frames)
}

func (e *Endpoint) Send(ctx context.Context, f model.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.From = e.addr
	e.hub.route(f)
	return nil
}

func (e *Endpoint) Frames() <-chan model.Frame {
	return e.frames
}

func (e *Endpoint) Close() error {
	e.once.Do(func() { e.hub.disconnect(e) })
	return nil
}
