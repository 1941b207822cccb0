package ptnotes

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Services is the explicit service context handed to the router at
// startup. Handlers hold no process-wide state; everything they
// touch comes through here.
type Services struct {
	Registry *storeRegistry
	// Path of the signature catalog, loaded once per correlation run
	Catalog string
}

type Server struct {
	server *http.Server
	mux    *http.ServeMux
}

func NewServer(addr string, svc *Services) *Server {
	mux := http.NewServeMux()

	h := &handler{svc: svc}
	h.routes(mux)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
		// imports parse whole documents inside the request
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{server: server, mux: mux}
}

// Run serves until the listener fails or the context is cancelled,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		errc <- s.server.ListenAndServe()
	}()
	log.Info().Str("addr", s.server.Addr).Msg("serving engagement reports")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}
