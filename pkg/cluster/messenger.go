package cluster

import (
	"context"
	"log/slog"
	"sync"

	"github.com/meftunca/indexsync/pkg/common"
	"github.com/meftunca/indexsync/pkg/types"
)

// Handler processes an inbound message
type Handler func(ctx context.Context, msg *types.ClusterMessage) error

// Messenger sends point-to-point messages between nodes. Send is one-way:
// it returns once the message is handed off and never waits for the peer.
type Messenger interface {
	Send(ctx context.Context, msg *types.ClusterMessage) error
	Register(msgType types.MessageType, handler Handler)
}

type handlerRegistry struct {
	mu       sync.RWMutex
	handlers map[types.MessageType][]Handler
	logger   *slog.Logger
}

func newHandlerRegistry(logger *slog.Logger) *handlerRegistry {
	return &handlerRegistry{
		handlers: make(map[types.MessageType][]Handler),
		logger:   logger,
	}
}

func (r *handlerRegistry) Register(msgType types.MessageType, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[msgType] = append(r.handlers[msgType], handler)
}

func (r *handlerRegistry) dispatch(ctx context.Context, msg *types.ClusterMessage) {
	r.mu.RLock()
	handlers := r.handlers[msg.Type]
	r.mu.RUnlock()

	if len(handlers) == 0 {
		r.logger.Warn("No handler for message", "type", msg.Type, "from", msg.From, "id", msg.ID)
		return
	}
	for _, h := range handlers {
		if err := h(ctx, msg); err != nil {
			r.logger.Error("Message handler failed", "type", msg.Type, "from", msg.From, "id", msg.ID, "error", err)
		}
	}
}

// LocalBus connects endpoints living in one process
type LocalBus struct {
	mu        sync.RWMutex
	endpoints map[string]*LocalEndpoint
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// NewLocalBus creates an empty bus
func NewLocalBus(logger *slog.Logger) *LocalBus {
	return &LocalBus{
		endpoints: make(map[string]*LocalEndpoint),
		logger:    common.OrDefault(logger).With("component", "local-bus"),
	}
}

// Endpoint returns the messenger for nodeID, creating it on first use
func (b *LocalBus) Endpoint(nodeID string) *LocalEndpoint {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ep, ok := b.endpoints[nodeID]; ok {
		return ep
	}
	ep := &LocalEndpoint{
		nodeID:   nodeID,
		bus:      b,
		registry: newHandlerRegistry(b.logger.With("node", nodeID)),
	}
	b.endpoints[nodeID] = ep
	return ep
}

// Wait blocks until every message sent so far has been handled
func (b *LocalBus) Wait() {
	b.wg.Wait()
}

// LocalEndpoint is one node's view of a LocalBus
type LocalEndpoint struct {
	nodeID   string
	bus      *LocalBus
	registry *handlerRegistry
}

func (e *LocalEndpoint) Register(msgType types.MessageType, handler Handler) {
	e.registry.Register(msgType, handler)
}

func (e *LocalEndpoint) Send(ctx context.Context, msg *types.ClusterMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	e.bus.mu.RLock()
	target, ok := e.bus.endpoints[msg.To]
	e.bus.mu.RUnlock()
	if !ok {
		return types.ErrUnknownNodeID(msg.To)
	}

	if msg.From == "" {
		msg.From = e.nodeID
	}
	e.bus.wg.Add(1)
	go func() {
		defer e.bus.wg.Done()
		target.registry.dispatch(context.Background(), msg)
	}()
	return nil
}
