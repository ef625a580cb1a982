package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vadiminshakov/bridgeledger/internal/commitment"
	"github.com/vadiminshakov/bridgeledger/internal/domain"
	"github.com/vadiminshakov/bridgeledger/internal/events"
	"github.com/vadiminshakov/bridgeledger/internal/storage/actionlog"
	"github.com/vadiminshakov/bridgeledger/internal/storage/checkpoints"
	"go.uber.org/zap"
)

type checkpointReader interface {
	Latest() (checkpoints.Checkpoint, bool)
}

type statusReader interface {
	Status(hash common.Hash) (actionlog.Record, error)
}

type notificationSource interface {
	Subscribe() *events.Subscription
	Unsubscribe(sub *events.Subscription)
}

type releaseRetrier interface {
	RetryFailed() (int, error)
}

// Server exposes metrics, health, checkpoint and action status endpoints.
type Server struct {
	Addr          string
	L             *zap.Logger
	Gatherer      prometheus.Gatherer
	Checkpoints   checkpointReader
	Statuses      statusReader
	Notifications notificationSource
	Releases      releaseRetrier
	// SecondaryDecimals scales the secondary totals in responses.
	SecondaryDecimals int
}

// Handler builds the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /checkpoint", s.handleCheckpoint)
	mux.HandleFunc("GET /proof", s.handleProof)
	mux.HandleFunc("GET /actions/{hash}", s.handleAction)
	mux.HandleFunc("GET /notifications/stream", s.handleNotificationStream)
	mux.HandleFunc("POST /releases/retry", s.handleRetryReleases)
	return mux
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.L.Info("http server listening", zap.String("addr", s.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, "ok")
}

type checkpointResponse struct {
	Seq            uint64        `json:"seq"`
	Height         uint64        `json:"height"`
	Root           common.Hash   `json:"root"`
	NativeRoot     common.Hash   `json:"native_root"`
	SecondaryRoot  common.Hash   `json:"secondary_root"`
	Price          string        `json:"price"`
	PriceDisplay   string        `json:"price_display"`
	NativeTotal    string        `json:"native_total"`
	SecondaryTotal string        `json:"secondary_total"`
	Actions        []common.Hash `json:"actions"`
	Time           time.Time     `json:"time"`
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, _ *http.Request) {
	cp, ok := s.Checkpoints.Latest()
	if !ok {
		http.Error(w, "no checkpoint yet", http.StatusNotFound)
		return
	}

	resp := checkpointResponse{
		Seq:           cp.Seq,
		Height:        cp.Height,
		Root:          cp.Commitment.Root,
		NativeRoot:    cp.Commitment.NativeRoot,
		SecondaryRoot: cp.Commitment.SecondaryRoot,
		Price:         cp.Commitment.Price,
		PriceDisplay:  domain.FormatUnits(cp.Snapshot.Price(), domain.PriceDecimals),
		Actions:       cp.Actions,
		Time:          cp.Time,
	}
	if total, ok := cp.Snapshot.Total(domain.AssetNative); ok {
		resp.NativeTotal = domain.FormatUnits(total, domain.NativeDecimals)
	}
	if total, ok := cp.Snapshot.Total(domain.AssetSecondary); ok {
		resp.SecondaryTotal = domain.FormatUnits(total, s.SecondaryDecimals)
	}
	s.writeJSON(w, resp)
}

type proofResponse struct {
	Seq       uint64           `json:"seq"`
	AssetRoot common.Hash      `json:"asset_root"`
	Root      common.Hash      `json:"root"`
	Proof     commitment.Proof `json:"proof"`
}

// handleProof proves a balance against the latest checkpoint.
func (s *Server) handleProof(w http.ResponseWriter, r *http.Request) {
	cp, ok := s.Checkpoints.Latest()
	if !ok {
		http.Error(w, "no checkpoint yet", http.StatusNotFound)
		return
	}

	var asset domain.Asset
	switch r.URL.Query().Get("asset") {
	case "native", "":
		asset = domain.AssetNative
	case "secondary":
		asset = domain.AssetSecondary
	default:
		http.Error(w, "asset must be native or secondary", http.StatusBadRequest)
		return
	}
	addr, err := domain.ParseAddress(r.URL.Query().Get("address"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	proof, err := commitment.Prove(cp.Snapshot, asset, addr)
	if errors.Is(err, commitment.ErrNotInLedger) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// pointer keeps fields addressable so uint256 uses its decimal encoding
	s.writeJSON(w, &proofResponse{
		Seq:       cp.Seq,
		AssetRoot: commitment.AssetRoot(cp.Snapshot, asset),
		Root:      cp.Commitment.Root,
		Proof:     proof,
	})
}

type actionResponse struct {
	Hash   common.Hash       `json:"hash"`
	Name   domain.ActionName `json:"name"`
	Status string            `json:"status"`
	Height uint64            `json:"height,omitempty"`
	Reason domain.ErrorKind  `json:"reason,omitempty"`
	Sender common.Address    `json:"sender"`
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("hash")
	if len(common.FromHex(raw)) != common.HashLength {
		http.Error(w, "invalid action hash", http.StatusBadRequest)
		return
	}

	rec, err := s.Statuses.Status(common.HexToHash(raw))
	if errors.Is(err, actionlog.ErrNotFound) {
		http.Error(w, "action not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, actionResponse{
		Hash:   rec.Hash,
		Name:   rec.Action.Name(),
		Status: rec.Status.String(),
		Height: rec.Height,
		Reason: rec.Reason,
		Sender: rec.Action.Sender,
	})
}

func (s *Server) handleNotificationStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := s.Notifications.Subscribe()
	defer s.Notifications.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	// send a comment heartbeat every 30s so proxies keep connection
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case n, ok := <-sub.C:
			if !ok {
				return
			}
			payload, err := json.Marshal(struct {
				domain.ActionNotification
				Status string `json:"status"`
			}{n, n.Status.String()})
			if err != nil {
				s.L.Warn("encode notification", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: action\n")
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func (s *Server) handleRetryReleases(w http.ResponseWriter, r *http.Request) {
	if s.Releases == nil {
		http.Error(w, "relay not available", http.StatusServiceUnavailable)
		return
	}
	started, err := s.Releases.RetryFailed()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.L.Info("failed releases re-driven by operator", zap.Int("count", started))
	s.writeJSON(w, map[string]int{"restarted": started})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.L.Warn("write response", zap.Error(err))
	}
}
