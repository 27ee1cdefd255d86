// Package httpapi wires the merchant backend's service onto HTTP
// routes: a gorilla/mux router, a RequestLogger middleware built on
// logrus, and one handler per payment-mediation endpoint this backend
// exposes.
package httpapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/sirupsen/logrus"
)

// RequestLogger logs method, path, latency and a short request id for
// every request. The id has no meaning beyond this process's log
// stream: it exists so a single request's log lines can be grepped
// together, not to name anything durable.
func RequestLogger(log *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			id := uuid.New()
			reqID := base58.Encode(id[:])
			next.ServeHTTP(w, r)
			log.WithFields(logrus.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"duration":   time.Since(start),
				"request_id": reqID,
			}).Info("request handled")
		})
	}
}
