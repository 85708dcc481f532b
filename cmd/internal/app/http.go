package app

import (
	"encoding/json"
	"net/http"

	"github.com/esmukingi/NexChat/cmd/internal/auth/session"
	"github.com/esmukingi/NexChat/cmd/internal/realtime"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type readiness struct {
	Session  string `json:"session"`
	Link     string `json:"link"`
	Presence int    `json:"presence"`
	// LinkError is set once the link gave up reconnecting.
	LinkError string `json:"link_error,omitempty"`
}

func registerHTTP(mux *http.ServeMux, a *App) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	// Ready means a signed-in session with a live link.
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, _ *http.Request) {
		st := a.Session.State()
		ls := a.Link.State()
		body := readiness{Session: st.String(), Link: ls.String(), Presence: len(a.Link.Presence())}
		if err := a.Link.Err(); err != nil {
			body.LinkError = err.Error()
		}

		status := http.StatusOK
		if st != session.StateAuthenticated || ls != realtime.Connected {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	})

	mux.Handle("GET /metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{Registry: a.Registry}))
}
