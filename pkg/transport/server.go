package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Handler returns the inbound peer endpoint, mountable on the node's HTTP
// server. Envelopes are decoded and handed to the dispatcher; handler
// errors are reported to the sender as a 422 so the transport does not
// retry protocol-level rejections.
func (d *Dispatcher) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post(PeerEndpoint, func(w http.ResponseWriter, req *http.Request) {
		var env Envelope
		if err := json.NewDecoder(req.Body).Decode(&env); err != nil {
			http.Error(w, "malformed envelope", http.StatusBadRequest)
			return
		}
		if err := d.Dispatch(req.Context(), env); err != nil {
			slog.Warn("inbound message rejected",
				"kind", env.Kind,
				"sender", env.Sender,
				"error", err)
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return r
}
