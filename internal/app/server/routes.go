package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"netguard/internal/broadcast"
	"netguard/internal/guard"
)

const (
	maxRequestBytes = 64 << 10
	maxBulkBytes    = 1 << 20
	shutdownTimeout = 10 * time.Second

	defaultBatchMaxItems = 256
)

// Deps are the collaborators the HTTP surface is built on. Broadcaster and Hub are
// optional.
type Deps struct {
	Guard         *guard.Service
	Broadcaster   *broadcast.Broadcaster
	Hub           *broadcast.Hub
	BatchMaxItems int
	Now           func() time.Time

	// Instances counts live netguard instances; nil when running standalone.
	Instances func(ctx context.Context) (int, error)
}

type Server struct {
	guard         *guard.Service
	broadcaster   *broadcast.Broadcaster
	hub           *broadcast.Hub
	batchMaxItems int
	now           func() time.Time
	instances     func(ctx context.Context) (int, error)
}

func New(deps Deps) *Server {
	s := &Server{
		guard:         deps.Guard,
		broadcaster:   deps.Broadcaster,
		hub:           deps.Hub,
		batchMaxItems: deps.BatchMaxItems,
		now:           deps.Now,
		instances:     deps.Instances,
	}
	if s.batchMaxItems <= 0 {
		s.batchMaxItems = defaultBatchMaxItems
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON reads a JSON body of at most limit bytes into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Routes returns the full API handler.
func (s *Server) Routes() http.Handler {
	router := http.NewServeMux()

	router.HandleFunc("POST /api/analyze", s.analyze)
	router.HandleFunc("POST /api/analyze/batch", s.analyzeBatch)
	router.HandleFunc("POST /api/dns-query", s.dnsQuery)

	router.HandleFunc("POST /api/toggle-protection", s.toggleProtection)
	router.HandleFunc("GET /api/status", s.getStatus)

	router.HandleFunc("GET /api/rules", s.getRules)
	router.HandleFunc("POST /api/rules", s.saveRules)
	router.HandleFunc("DELETE /api/cache", s.purgeCache)

	router.HandleFunc("GET /api/stats", s.getStats)
	router.HandleFunc("GET /api/logs", s.getLogs)
	router.HandleFunc("GET /api/alerts", s.getAlerts)
	router.HandleFunc("GET /api/events", s.streamEvents)

	router.HandleFunc("GET /api/version", s.getVersion)
	router.HandleFunc("GET /healthz", healthz)

	log.Debug("Routes opened")
	return enableCORS(router)
}

// OpenRoutes serves handler on port until ctx is cancelled, then shuts down gracefully.
func OpenRoutes(ctx context.Context, port int, handler http.Handler, readTimeout, writeTimeout time.Duration) error {
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		// Request contexts end with ctx so long-lived event streams let Shutdown finish.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Starting netguard on port :%d", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server failed: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	log.Info("Shutting down API server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	return <-errCh
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
