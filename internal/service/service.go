// Package service wires the merchant backend's components together: it
// is the one place that owns the concrete HTTP-transport collaborators
// (the exchange's /keys, /deposit and /transfer endpoints) and hands
// the rest of the backend only the narrow interfaces each package
// needs, rather than relying on module-level mutable globals.
package service

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"merchantcore/internal/auditor"
	"merchantcore/internal/config"
	"merchantcore/internal/dbstore"
	"merchantcore/internal/exchange"
	"merchantcore/internal/instance"
	"merchantcore/internal/pay"
	"merchantcore/internal/proposal"
	"merchantcore/internal/track"
)

// Service bundles every subsystem the HTTP layer dispatches into.
type Service struct {
	Config    *config.Config
	Log       *logrus.Logger
	Instances *instance.Registry
	Auditors  *auditor.TrustSet
	Exchanges *exchange.Liaison
	Store     dbstore.Store
	Proposal  *proposal.Signer
	Pay       *pay.Orchestrator
	Track     *track.Reconciler
}

// New builds a Service from cfg, wiring an in-memory Store by default.
// The HTTP transport used to reach exchanges is a real net/http client
// (exchangeTransport); it is the one piece of this backend that talks
// to the outside world, matching the "HTTP transport layer is an
// external collaborator" boundary the rest of the backend is tested
// against with fakes.
func New(cfg *config.Config, store dbstore.Store, log *logrus.Logger) (*Service, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if store == nil {
		store = dbstore.NewMemStore()
	}

	instances, err := instance.Load(cfg)
	if err != nil {
		return nil, fmt.Errorf("service: loading instances: %w", err)
	}
	auditors, err := auditor.Load(cfg)
	if err != nil {
		return nil, fmt.Errorf("service: loading auditors: %w", err)
	}

	transport := newExchangeTransport(30 * time.Second)
	exchanges, err := exchange.New(cfg, transport, log, 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("service: building exchange liaison: %w", err)
	}

	svc := &Service{
		Config: cfg, Log: log, Instances: instances, Auditors: auditors,
		Exchanges: exchanges, Store: store,
	}
	svc.Proposal = &proposal.Signer{Instances: instances, Auditors: auditors, Exchanges: exchanges, Store: store}
	svc.Pay = &pay.Orchestrator{
		Instances: instances, Auditors: auditors, Exchanges: exchanges,
		Depositor: transport, Store: store, Log: log,
	}
	svc.Track = &track.Reconciler{
		Instances: instances, Store: store, Exchanges: exchanges,
		Transferer: transport, Log: log,
	}
	return svc, nil
}

// Shutdown releases every background resource the service owns.
func (s *Service) Shutdown() {
	if s.Exchanges != nil {
		s.Exchanges.Shutdown()
	}
}
