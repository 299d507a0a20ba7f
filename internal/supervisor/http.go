package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// ServeStatusEndpoint exposes the supervisor's current status over HTTP at
// /status until ctx is canceled, the SUPPLEMENTED FEATURES debug endpoint
// mirroring status.json's fields without requiring a filesystem read. addr
// empty disables the endpoint.
func ServeStatusEndpoint(ctx context.Context, addr string, s *Supervisor) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.Status())
	})
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
