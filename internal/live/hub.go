package live

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tradewatch/internal/model"
	"tradewatch/internal/store"
)

// HistoryStore is the read side of the persistence sink consumed by the
// live layer.
type HistoryStore interface {
	ListTrades(ctx context.Context, filter store.Filter, page, limit int) ([]model.TradeRecord, error)
	TradesSince(ctx context.Context, filter store.Filter, sinceMillis int64) ([]model.TradeRecord, error)
	CountTrades(ctx context.Context, filter store.Filter) (int64, error)
}

const (
	defaultPage  = 1
	defaultLimit = 100

	// sendBuffer bounds the per-subscriber queue. A subscriber that
	// cannot drain it is dropped rather than waited on.
	sendBuffer = 64

	writeWait = 10 * time.Second
)

// Hub is the subscription registry. Every newly persisted record is
// pushed to all open subscribers; historical queries arrive as inbound
// messages on the same connection.
type Hub struct {
	store    HistoryStore
	minBlock uint64
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	conn   *websocket.Conn
	send   chan []byte
	closed bool
}

func NewHub(historyStore HistoryStore, minBlock uint64, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		store:    historyStore,
		minBlock: minBlock,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		subs: make(map[*subscriber]struct{}),
	}
}

type updateMessage struct {
	Type string            `json:"type"`
	Data model.TradeRecord `json:"data"`
}

type inboundMessage struct {
	Type         string `json:"type"`
	TokenAddress string `json:"tokenAddress"`
	Page         int    `json:"page"`
	Limit        int    `json:"limit"`
}

type historicalResponse struct {
	Type       string              `json:"type"`
	Data       []model.TradeRecord `json:"data"`
	Data24h    []model.TradeRecord `json:"data24h"`
	Page       int                 `json:"page"`
	TotalCount int64               `json:"totalCount"`
}

// Broadcast pushes one record to every open subscriber. Delivery is
// best-effort: a subscriber with a full queue is dropped.
func (h *Hub) Broadcast(record model.TradeRecord) {
	payload, err := json.Marshal(updateMessage{Type: "update", Data: record})
	if err != nil {
		h.logger.Warn("marshal update failed", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs {
		select {
		case sub.send <- payload:
		default:
			h.dropLocked(sub)
			h.logger.Warn("slow subscriber dropped")
		}
	}
}

// SubscriberCount returns the number of open subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ServeWS upgrades an HTTP request to a subscription. It blocks reading
// inbound messages until the connection closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sub := &subscriber{
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("subscriber connected", zap.String("remote", conn.RemoteAddr().String()))

	go sub.writePump()
	h.readLoop(r.Context(), sub)
}

// Close drops every open subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		h.dropLocked(sub)
	}
}

func (h *Hub) drop(sub *subscriber) {
	h.mu.Lock()
	h.dropLocked(sub)
	h.mu.Unlock()
}

func (h *Hub) dropLocked(sub *subscriber) {
	if sub.closed {
		return
	}
	sub.closed = true
	delete(h.subs, sub)
	close(sub.send)
}

func (h *Hub) readLoop(ctx context.Context, sub *subscriber) {
	defer func() {
		h.drop(sub)
		sub.conn.Close()
	}()

	for {
		_, raw, err := sub.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("subscriber read failed", zap.Error(err))
			}
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			// Malformed messages are ignored; the connection stays open.
			continue
		}
		if msg.Type != "getHistorical" {
			continue
		}

		response, err := h.historical(ctx, msg)
		if err != nil {
			h.logger.Error("historical query failed", zap.Error(err))
			continue
		}

		payload, err := json.Marshal(response)
		if err != nil {
			h.logger.Warn("marshal historical failed", zap.Error(err))
			continue
		}

		h.mu.Lock()
		if !sub.closed {
			select {
			case sub.send <- payload:
			default:
				h.dropLocked(sub)
			}
		}
		h.mu.Unlock()
	}
}

func (h *Hub) historical(ctx context.Context, msg inboundMessage) (historicalResponse, error) {
	page := msg.Page
	if page < 1 {
		page = defaultPage
	}
	limit := msg.Limit
	if limit < 1 {
		limit = defaultLimit
	}

	filter := store.Filter{
		Token:    strings.ToLower(strings.TrimSpace(msg.TokenAddress)),
		MinBlock: h.minBlock,
	}

	data, err := h.store.ListTrades(ctx, filter, page, limit)
	if err != nil {
		return historicalResponse{}, err
	}

	oneDayAgo := time.Now().Add(-24 * time.Hour).UnixMilli()
	data24h, err := h.store.TradesSince(ctx, filter, oneDayAgo)
	if err != nil {
		return historicalResponse{}, err
	}

	totalCount, err := h.store.CountTrades(ctx, filter)
	if err != nil {
		return historicalResponse{}, err
	}

	return historicalResponse{
		Type:       "historical",
		Data:       data,
		Data24h:    data24h,
		Page:       page,
		TotalCount: totalCount,
	}, nil
}

func (s *subscriber) writePump() {
	for payload := range s.send {
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			break
		}
	}
	s.conn.Close()
}
