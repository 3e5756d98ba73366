package live

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// BalanceReader reads live native-currency balances from the chain.
type BalanceReader interface {
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
}

// PoolSource enumerates the registered pool addresses.
type PoolSource interface {
	Pools() []common.Address
}

// VolumeStore is the aggregate read used by the metrics endpoint.
type VolumeStore interface {
	SumVolume(ctx context.Context, sinceMillis int64) (string, error)
}

// Server exposes the WebSocket subscription endpoint and the HTTP
// metrics endpoints.
type Server struct {
	hub      *Hub
	volumes  VolumeStore
	balances BalanceReader
	pools    PoolSource
	logger   *zap.Logger
	mux      *http.ServeMux
}

func NewServer(hub *Hub, volumes VolumeStore, balances BalanceReader, pools PoolSource, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		hub:      hub,
		volumes:  volumes,
		balances: balances,
		pools:    pools,
		logger:   logger,
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("/ws", hub.ServeWS)
	s.mux.HandleFunc("/volume", s.handleVolume)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until ctx is cancelled, then shuts down gracefully and
// drops all subscribers.
func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:    addr,
		Handler: s.mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.hub.Close()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("serving", zap.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

type metricsResponse struct {
	Volume    string `json:"volume"`
	Volume24  string `json:"volume24"`
	Liquidity string `json:"liquidity"`
}

// handleVolume reports total and 24h trading volume from the store, and
// current liquidity summed from live pool balances on chain.
func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	volume, err := s.volumes.SumVolume(ctx, 0)
	if err != nil {
		s.logger.Error("volume query failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	oneDayAgo := time.Now().Add(-24 * time.Hour).UnixMilli()
	volume24, err := s.volumes.SumVolume(ctx, oneDayAgo)
	if err != nil {
		s.logger.Error("volume24 query failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	liquidity := new(big.Int)
	for _, pool := range s.pools.Pools() {
		balance, err := s.balances.BalanceAt(ctx, pool)
		if err != nil {
			s.logger.Warn("pool balance read failed",
				zap.String("pool", pool.Hex()), zap.Error(err))
			continue
		}
		liquidity.Add(liquidity, balance)
	}

	writeJSON(w, metricsResponse{
		Volume:    volume,
		Volume24:  volume24,
		Liquidity: liquidity.String(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"status":      "ok",
		"subscribers": s.hub.SubscriberCount(),
		"time":        time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
