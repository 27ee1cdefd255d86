package httpapi

import (
	"fmt"
	"net/http"
)

// payURI builds the taler://pay/... payment URI for an unpaid order.
func payURI(r *http.Request, instanceID, orderID, sessionID string) string {
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	prefix := r.Header.Get("X-Forwarded-Prefix")
	if prefix == "" {
		prefix = "-"
	}
	inst := instanceID
	if inst == "" {
		inst = "-"
	}

	uri := fmt.Sprintf("taler://pay/%s/%s/%s/%s", host, prefix, inst, orderID)
	if sessionID != "" {
		uri += "/" + sessionID
	}
	if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") != "https" {
		uri += "?insecure=1"
	}
	return uri
}
