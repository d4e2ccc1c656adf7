package cluster

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"github.com/meftunca/indexsync/pkg/common"
	"github.com/meftunca/indexsync/pkg/metrics"
	"github.com/meftunca/indexsync/pkg/serialization"
	"github.com/meftunca/indexsync/pkg/types"
)

// MessagesPath is the route peers post messages to
const MessagesPath = "/cluster/messages"

const maxMessageSize = 1 << 20

// HTTPMessenger delivers messages to peers by POSTing the encoded envelope to
// their MessagesPath. Sends are queued and delivered by background workers.
type HTTPMessenger struct {
	membership Membership
	codec      serialization.Codec
	codecs     *serialization.CodecFactory
	client     *http.Client
	registry   *handlerRegistry
	metrics    *metrics.PrometheusMetrics
	logger     *slog.Logger

	queue   chan *types.ClusterMessage
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running int32
}

// NewHTTPMessenger creates a messenger encoding outbound envelopes with codec
func NewHTTPMessenger(membership Membership, codecs *serialization.CodecFactory, codec serialization.Codec,
	sendTimeout time.Duration, queueSize int, m *metrics.PrometheusMetrics, logger *slog.Logger) *HTTPMessenger {
	if queueSize <= 0 {
		queueSize = 256
	}
	if sendTimeout <= 0 {
		sendTimeout = 5 * time.Second
	}
	logger = common.OrDefault(logger).With("component", "messenger", "node", membership.NodeID())

	return &HTTPMessenger{
		membership: membership,
		codec:      codec,
		codecs:     codecs,
		client:     &http.Client{Timeout: sendTimeout},
		registry:   newHandlerRegistry(logger),
		metrics:    m,
		logger:     logger,
		queue:      make(chan *types.ClusterMessage, queueSize),
		stopCh:     make(chan struct{}),
	}
}

// RegisterRoutes mounts the inbound endpoint on r
func (h *HTTPMessenger) RegisterRoutes(r *mux.Router) {
	r.HandleFunc(MessagesPath, h.handleMessage).Methods(http.MethodPost)
}

// Start launches the delivery workers
func (h *HTTPMessenger) Start(workers int) error {
	if !atomic.CompareAndSwapInt32(&h.running, 0, 1) {
		return fmt.Errorf("messenger already running")
	}
	if workers <= 0 {
		workers = 2
	}
	for i := 0; i < workers; i++ {
		h.wg.Add(1)
		go h.deliveryLoop()
	}
	return nil
}

// Stop stops the workers. Queued messages that were not delivered are dropped.
func (h *HTTPMessenger) Stop() {
	if !atomic.CompareAndSwapInt32(&h.running, 1, 0) {
		return
	}
	close(h.stopCh)
	h.wg.Wait()
	if n := len(h.queue); n > 0 {
		h.logger.Warn("Dropping undelivered messages", "count", n)
	}
}

func (h *HTTPMessenger) Register(msgType types.MessageType, handler Handler) {
	h.registry.Register(msgType, handler)
}

func (h *HTTPMessenger) Send(ctx context.Context, msg *types.ClusterMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.From == "" {
		msg.From = h.membership.NodeID()
	}

	select {
	case h.queue <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		h.metrics.RecordMessageSent(string(msg.Type), false)
		return types.ErrTransferFailureCause("send", fmt.Errorf("send queue full"))
	}
}

func (h *HTTPMessenger) deliveryLoop() {
	defer h.wg.Done()
	for {
		select {
		case msg := <-h.queue:
			err := h.deliver(context.Background(), msg)
			h.metrics.RecordMessageSent(string(msg.Type), err == nil)
			if err != nil {
				h.logger.Error("Message delivery failed", "type", msg.Type, "to", msg.To, "id", msg.ID, "error", err)
			}
		case <-h.stopCh:
			return
		}
	}
}

func (h *HTTPMessenger) resolve(ctx context.Context, nodeID string) (types.Node, error) {
	nodes, err := h.membership.Nodes(ctx)
	if err != nil {
		return types.Node{}, err
	}
	for _, n := range nodes {
		if n.ID == nodeID {
			return n, nil
		}
	}
	return types.Node{}, types.ErrUnknownNodeID(nodeID)
}

func (h *HTTPMessenger) deliver(ctx context.Context, msg *types.ClusterMessage) error {
	target, err := h.resolve(ctx, msg.To)
	if err != nil {
		return err
	}
	body, err := h.codec.Encode(msg)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s%s", target.Addr(), MessagesPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return types.ErrTransferFailureCause("deliver", err)
	}
	req.Header.Set("Content-Type", h.codec.ContentType())

	resp, err := h.client.Do(req)
	if err != nil {
		return types.ErrTransferFailureCause("deliver", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusAccepted {
		return types.ErrTransferFailureCause("deliver", fmt.Errorf("peer %s answered %s", msg.To, resp.Status))
	}
	return nil
}

func (h *HTTPMessenger) handleMessage(w http.ResponseWriter, r *http.Request) {
	codec, ok := h.codecs.ByContentType(r.Header.Get("Content-Type"))
	if !ok {
		http.Error(w, "unsupported content type", http.StatusUnsupportedMediaType)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	msg, err := codec.Decode(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if msg.To != h.membership.NodeID() {
		http.Error(w, fmt.Sprintf("message addressed to %s", msg.To), http.StatusMisdirectedRequest)
		return
	}

	h.metrics.RecordMessageReceived(string(msg.Type))
	w.WriteHeader(http.StatusAccepted)

	// Handlers may block for a long time (index restore)
	go h.registry.dispatch(context.Background(), msg)
}
