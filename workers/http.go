package workers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"gousdcbridge/logger"
	"gousdcbridge/workers/handlers"
)

func NewRouter(api *handlers.API, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Options("/*", CORSHeaders)

	r.Get("/health", api.HealthCheck)
	r.Get("/state", api.State)

	r.Post("/transactions", api.SubmitTransaction)
	r.Get("/transactions/{id}", api.GetTransaction)
	r.Patch("/transactions/{id}", api.UpdateTransaction)
	r.Get("/stats/pending", api.GetPendingTransactions)
	r.Get("/stats/failed", api.GetFailedTransactions)

	r.Get("/balance/{chainId}", api.RelayerBalances)
	r.Get("/fee/{chainId}", api.EstimateFee)
	r.Post("/sponsor", api.Sponsor)

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// Worker_HTTP serves handler on addr until ctx is done.
func Worker_HTTP(ctx context.Context, addr string, handler http.Handler) error {
	logger.Info("Starting HTTP service", zap.String("addr", addr))

	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()
	logger.Info("HTTP service started")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("HTTP service stopped")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP service shutdown error", zap.Error(err))
		return err
	}
	logger.Info("HTTP service shutdown normal")
	return nil
}

func CORSHeaders(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, Origin, X-Requested-With")
}
