// Package api exposes a chain's operations over HTTP.
//
// Reads are served from the local book. Mutations are turned into signbook
// commands and handed to an executor, which is either the book itself or the
// consensus node when the chain runs as a cluster.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/sigcast/sigcast/internal/signbook"
	"github.com/sigcast/sigcast/internal/transport"
)

// Reader is the read-only surface of a book.
type Reader interface {
	LocalChainID() uint32
	ListRegisteredChains() ([]uint32, error)
	IsRegistered(chainID uint32) (bool, error)
	Peer(chainID uint32) (transport.PeerID, error)
	Balance(account common.Address) (*big.Int, error)
	Quote(signer common.Address, name, message string, opts transport.Options) (*big.Int, error)
}

type Handler struct {
	reader Reader
	exec   signbook.Executor
	window time.Duration
	now    func() time.Time
	logger *slog.Logger
}

func NewHandler(reader Reader, exec signbook.Executor, window time.Duration, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Handler{
		reader: reader,
		exec:   exec,
		window: window,
		now:    time.Now,
		logger: logger,
	}
}

func NewRouter(handler *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware(handler.logger))
	r.Use(loggingMiddleware(handler.logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { writeMessage(w, http.StatusOK, "ok") })

	r.Route("/v1", func(r chi.Router) {
		r.Get("/local-chain", handler.localChain)
		r.Get("/chains", handler.listChains)
		r.Get("/chains/{id}", handler.getChain)
		r.Get("/balances/{address}", handler.getBalance)
		r.Post("/quote", handler.quote)

		r.Group(func(r chi.Router) {
			r.Use(handler.signedMiddleware)
			r.Post("/publish", handler.publish)
			r.Post("/publish-for", handler.publishFor)
			r.Post("/peers", handler.setPeer)
			r.Post("/replay", handler.replay)
			r.Post("/fund", handler.fund)
			r.Post("/payable", handler.setPayable)
		})
	})
	return r
}

type Server struct {
	http   *http.Server
	logger *slog.Logger
}

func NewServer(addr string, handler *Handler) *Server {
	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(handler),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: handler.logger,
	}
}

// Start serves in the background. Listen errors after startup are logged.
func (s *Server) Start() {
	go func() {
		s.logger.Info("API listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed", "error", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down api server: %w", err)
	}
	return nil
}
