package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/ledger-sync/internal/model"
	"github.com/sells-group/ledger-sync/internal/reconcile"
	"github.com/sells-group/ledger-sync/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the read-only status API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx, "serve")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      buildRouter(st, cfg.Scheduler.MaxRunDuration()),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx) //nolint:errcheck
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

type accessView struct {
	model.AccessState
	Label string `json:"state"`
}

type ledgerView struct {
	Account  *model.Account            `json:"account"`
	Replayed string                    `json:"replayed_balance"`
	Rows     []model.TransactionRecord `json:"rows"`
}

// buildRouter exposes run state and ledgers read-only.
func buildRouter(st store.Store, maxRun time.Duration) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/accesses", func(w http.ResponseWriter, r *http.Request) {
			states, err := st.ListAccessStates(r.Context())
			if err != nil {
				writeError(w, err)
				return
			}
			now := time.Now()
			out := make([]accessView, 0, len(states))
			for _, s := range states {
				out = append(out, accessView{AccessState: s, Label: runLabel(s, now, maxRun)})
			}
			writeJSON(w, http.StatusOK, out)
		})

		r.Route("/accounts", func(r chi.Router) {
			r.Get("/flagged", func(w http.ResponseWriter, r *http.Request) {
				accounts, err := st.ListFlaggedAccounts(r.Context())
				if err != nil {
					writeError(w, err)
					return
				}
				if accounts == nil {
					accounts = []model.Account{}
				}
				writeJSON(w, http.StatusOK, accounts)
			})

			r.Get("/{id}/ledger", func(w http.ResponseWriter, r *http.Request) {
				id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
				if err != nil {
					writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid account id"})
					return
				}
				acct, err := st.GetAccount(r.Context(), id)
				if err != nil {
					writeError(w, err)
					return
				}
				rows, err := st.LedgerRows(r.Context(), id)
				if err != nil {
					writeError(w, err)
					return
				}
				if rows == nil {
					rows = []model.TransactionRecord{}
				}
				writeJSON(w, http.StatusOK, ledgerView{
					Account:  acct,
					Replayed: reconcile.Replay(acct.OpeningBalance, rows).String(),
					Rows:     reconcile.SortLedger(rows),
				})
			})
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	if eris.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	zap.L().Error("api: request failed", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
