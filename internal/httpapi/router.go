package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"merchantcore/internal/service"
)

// NewRouter builds the merchant backend's HTTP surface on top of svc:
// one mux.Router, one logging middleware, one handler per route.
func NewRouter(svc *service.Service) http.Handler {
	h := &handlers{svc: svc}

	r := mux.NewRouter()
	r.Use(RequestLogger(svc.Log))

	r.HandleFunc("/", h.index).Methods(http.MethodGet)
	r.HandleFunc("/proposal", h.postProposal).Methods(http.MethodPost)
	r.HandleFunc("/proposal", h.getProposal).Methods(http.MethodGet)
	r.HandleFunc("/pay", h.postPay).Methods(http.MethodPost)
	r.HandleFunc("/check-payment", h.getCheckPayment).Methods(http.MethodGet)
	r.HandleFunc("/track/transaction", h.getTrackTransaction).Methods(http.MethodGet)
	r.HandleFunc("/track/transfer", h.getTrackTransfer).Methods(http.MethodGet)
	r.HandleFunc("/refund", h.postRefund).Methods(http.MethodPost)
	r.HandleFunc("/refund", h.getRefund).Methods(http.MethodGet)

	return r
}
