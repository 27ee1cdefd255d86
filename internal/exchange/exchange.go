// Package exchange implements the exchange-liaison pool: long-lived
// bookkeeping of trusted exchanges' key material and
// wire-fee schedules, with a cancelable find_exchange lookup.
//
// The connection-pool/reaper shape follows a mutex-guarded map of live
// resources, a background goroutine reaping/refreshing them, and a
// closing channel plus sync.Once for idempotent shutdown; the
// in-flight-fetch dedup and bounded key cache are wired to
// golang.org/x/sync/singleflight and hashicorp/golang-lru/v2.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"merchantcore/internal/auditor"
	"merchantcore/internal/config"
	"merchantcore/pkg/amount"
)

// ErrNotAcceptable is returned by FindExchange when the URL is not a
// configured, trusted exchange: the merchant never downloads /keys
// from an arbitrary wallet-provided URL to decide trust.
var ErrNotAcceptable = errors.New("exchange: not an acceptable (trusted) exchange")

// ErrNotReachable is returned when a /keys fetch could not complete.
var ErrNotReachable = errors.New("exchange: not reachable")

// Keys is the subset of an exchange's /keys response this backend needs.
type Keys struct {
	MasterPublic string
	DenomKeys    map[string]auditor.DenominationKey // keyed by denom pub
	Auditors     []auditor.Auditor                  // the exchange's OWN claimed auditor list
	FetchedAt    time.Time
}

// WireFee is one exchange's fee schedule entry for a wire method over
// a validity window, as published in its /keys response.
type WireFee struct {
	Fee        amount.Amount
	ClosingFee amount.Amount
	ValidFrom  time.Time
	ValidUntil time.Time
}

// KeysFetcher performs the actual /keys HTTP round-trip. It is
// injected so the liaison's scheduling/dedup/caching logic can be
// tested without a network, matching the "HTTP transport layer" being
// an external collaborator.
type KeysFetcher interface {
	FetchKeys(ctx context.Context, baseURL string) (Keys, map[string]WireFee, error)
}

// Handle is the live, resolved state of one exchange returned by
// FindExchange: a snapshot, not a mutable reference, so callers never
// race the liaison's background refresher.
type Handle struct {
	URL     string
	Trusted bool
	Keys    Keys
}

type exchangeState struct {
	mu      sync.RWMutex
	url     string
	trusted bool
	pending bool // true until the first successful /keys fetch
	keys    Keys
	fees    map[string]WireFee
}

func (e *exchangeState) snapshot() (Handle, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.pending {
		return Handle{}, false
	}
	return Handle{URL: e.url, Trusted: e.trusted, Keys: e.keys}, true
}

// Liaison is the exchange-liaison pool.
type Liaison struct {
	log     *logrus.Logger
	fetcher KeysFetcher

	mu        sync.RWMutex
	exchanges map[string]*exchangeState // keyed by base URL

	cache *lru.Cache[string, Keys] // bounded recent-keys cache, written on every fetch; FindExchange reads exchangeState, not this cache
	group singleflight.Group       // dedups concurrent /keys fetches for the same URL

	refreshEvery time.Duration
	closing      chan struct{}
	closeOnce    sync.Once
	wg           sync.WaitGroup
}

// New builds a Liaison from the TRUSTED_EXCHANGES list in cfg,
// scheduling an initial and then periodic /keys download for each.
func New(cfg *config.Config, fetcher KeysFetcher, log *logrus.Logger, refreshEvery time.Duration) (*Liaison, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	cache, err := lru.New[string, Keys](256)
	if err != nil {
		return nil, fmt.Errorf("exchange: building key cache: %w", err)
	}
	l := &Liaison{
		log:          log,
		fetcher:      fetcher,
		exchanges:    map[string]*exchangeState{},
		cache:        cache,
		refreshEvery: refreshEvery,
		closing:      make(chan struct{}),
	}

	for _, token := range cfg.Merchant.TrustedExchanges {
		sec, ok := cfg.ExchangeByToken(token)
		if !ok {
			return nil, fmt.Errorf("exchange: TRUSTED_EXCHANGES references undefined exchange-%s", token)
		}
		url := strings.TrimRight(sec.BaseURL, "/")
		es := &exchangeState{url: url, trusted: true, pending: true}
		l.exchanges[url] = es
		l.wg.Add(1)
		go l.refreshLoop(es)
	}
	return l, nil
}

// FindExchange implements find_exchange. It is
// cancelable via ctx: cancellation releases all resources and never
// invokes a continuation (there is none here -- the Go idiom is a
// blocking call that simply returns ctx.Err()).
func (l *Liaison) FindExchange(ctx context.Context, url string, wireMethod *string) (Handle, *amount.Amount, error) {
	url = strings.TrimRight(url, "/")
	l.mu.RLock()
	es, known := l.exchanges[url]
	l.mu.RUnlock()
	if !known {
		return Handle{}, nil, ErrNotAcceptable
	}

	handle, ready := es.snapshot()
	if !ready {
		var err error
		handle, err = l.awaitFetch(ctx, es)
		if err != nil {
			return Handle{}, nil, err
		}
	}

	var fee *amount.Amount
	if wireMethod != nil {
		es.mu.RLock()
		if wf, ok := es.fees[*wireMethod]; ok {
			f := wf.Fee
			fee = &f
		}
		es.mu.RUnlock()
	}
	return handle, fee, nil
}

// awaitFetch blocks until es's pending /keys fetch completes or ctx is
// done, deduplicating concurrent callers for the same exchange via
// singleflight.
func (l *Liaison) awaitFetch(ctx context.Context, es *exchangeState) (Handle, error) {
	resultCh := l.group.DoChan(es.url, func() (any, error) {
		return l.doFetch(es)
	})
	select {
	case <-ctx.Done():
		return Handle{}, ctx.Err()
	case res := <-resultCh:
		if res.Err != nil {
			return Handle{}, res.Err
		}
		return res.Val.(Handle), nil
	}
}

func (l *Liaison) doFetch(es *exchangeState) (Handle, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	keys, fees, err := l.fetcher.FetchKeys(ctx, es.url)
	if err != nil {
		l.log.WithFields(logrus.Fields{"exchange": es.url, "error": err}).Warn("exchange: /keys fetch failed")
		return Handle{}, fmt.Errorf("%w: %s: %v", ErrNotReachable, es.url, err)
	}
	keys.FetchedAt = time.Now()
	es.mu.Lock()
	es.keys = keys
	es.fees = fees
	es.pending = false
	es.mu.Unlock()
	l.cache.Add(es.url, keys)
	l.log.WithField("exchange", es.url).Info("exchange: /keys refreshed")
	return Handle{URL: es.url, Trusted: es.trusted, Keys: keys}, nil
}

// fetchDeduped routes es's /keys fetch through the shared singleflight
// group, so a background refresh and a concurrent FindExchange caller
// for the same exchange never race the transport twice.
func (l *Liaison) fetchDeduped(es *exchangeState) (Handle, error) {
	v, err, _ := l.group.Do(es.url, func() (any, error) { return l.doFetch(es) })
	if err != nil {
		return Handle{}, err
	}
	return v.(Handle), nil
}

func (l *Liaison) refreshLoop(es *exchangeState) {
	defer l.wg.Done()
	if _, err := l.fetchDeduped(es); err != nil {
		l.log.WithFields(logrus.Fields{"exchange": es.url, "error": err}).Warn("exchange: initial /keys fetch failed, will retry")
	}
	ticker := time.NewTicker(l.refreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-l.closing:
			return
		case <-ticker.C:
			if _, err := l.fetchDeduped(es); err != nil {
				l.log.WithFields(logrus.Fields{"exchange": es.url, "error": err}).Warn("exchange: periodic /keys refresh failed")
			}
		}
	}
}

// TrustedExchanges returns the JSON-ready (url, master_pub) list for
// inclusion in contracts, finalized lazily as /keys responses arrive:
// an exchange still pending its first fetch is omitted.
func (l *Liaison) TrustedExchanges() []map[string]string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]map[string]string, 0, len(l.exchanges))
	for url, es := range l.exchanges {
		handle, ready := es.snapshot()
		if !ready {
			continue
		}
		out = append(out, map[string]string{"url": url, "master_pub": handle.Keys.MasterPublic})
	}
	return out
}

// Shutdown stops every background refresher. It is idempotent.
func (l *Liaison) Shutdown() {
	l.closeOnce.Do(func() { close(l.closing) })
	l.wg.Wait()
}
