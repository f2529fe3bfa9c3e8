// Package dialer is the Dial Orchestrator (C5): it owns the number
// queue and the concurrency admission gate, originates calls through
// the Event Correlator, and reclaims concurrency slots on completion.
// Grounded on the teacher's router package's queue-and-slot bookkeeping
// style, generalized to a dedicated orchestrator value per design note
// §9 ("package these into an explicit Dialer value").
package dialer

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/hamzaKhattat/ari-outbound-dialer/internal/correlator"
	"github.com/hamzaKhattat/ari-outbound-dialer/internal/db"
	"github.com/hamzaKhattat/ari-outbound-dialer/internal/metrics"
	apperrors "github.com/hamzaKhattat/ari-outbound-dialer/pkg/errors"
	"github.com/hamzaKhattat/ari-outbound-dialer/pkg/logger"
)

// inFlightCacheKey is mirrored into the optional Redis cache on every
// change (deleted when the count drops to zero) so the live in-flight
// count is visible in the cache (§2.2 domain-stack note). Nothing in this
// module reads the key back.
const inFlightCacheKey = "in_flight_calls"

// Config is the slice of internal/config.Config the orchestrator needs.
type Config struct {
	MaxCC          int
	DialRatePerSec float64
}

// Dialer is the C5 component. The Correlator is injected after
// construction via SetCorrelator so the Correlator's completion
// callback can point back into the Dialer without the two packages
// importing each other.
type Dialer struct {
	cfg Config

	mu       sync.Mutex
	queue    []string
	inFlight map[string]struct{}
	depleted bool

	limiter    *rate.Limiter
	correlator *correlator.Correlator
	metrics    *metrics.Metrics
}

func New(cfg Config, m *metrics.Metrics) *Dialer {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.DialRatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.DialRatePerSec), 1)
	}
	return &Dialer{
		cfg:      cfg,
		inFlight: make(map[string]struct{}),
		limiter:  limiter,
		metrics:  m,
	}
}

func (d *Dialer) reportInFlightLocked() {
	count := len(d.inFlight)
	if d.metrics != nil {
		d.metrics.SetGauge("dialer_in_flight_calls", float64(count), map[string]string{})
	}
	if count == 0 {
		db.GetCache().Delete(context.Background(), inFlightCacheKey)
		return
	}
	db.GetCache().Set(context.Background(), inFlightCacheKey, count, 0)
}

// SetCorrelator wires the Correlator this Dialer originates calls
// through. Must be called once before Start.
func (d *Dialer) SetCorrelator(c *correlator.Correlator) {
	d.correlator = c
}

// Start enqueues numbers and begins admitting originations up to MAX_CC.
func (d *Dialer) Start(ctx context.Context, numbers []string) error {
	if d.correlator == nil {
		return apperrors.New(apperrors.ErrInternal, "dialer started before a correlator was wired")
	}

	d.mu.Lock()
	d.queue = append(d.queue, numbers...)
	d.depleted = false
	d.mu.Unlock()

	d.maybeOriginateNext(ctx)
	return nil
}

// InFlightCount and QueueDepth back the control surface's /start
// restart check (a new run starts only when both are zero).
func (d *Dialer) InFlightCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inFlight)
}

func (d *Dialer) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// maybeOriginateNext pops from the queue while |inFlight| < MAX_CC
// (§4.2). Each admitted origination runs on its own goroutine so a slow
// ARI command does not stall admission of the next number.
func (d *Dialer) maybeOriginateNext(ctx context.Context) {
	for {
		placeholder, number, ok := d.popIfAdmissible()
		if !ok {
			return
		}
		go d.originate(ctx, placeholder, number)
	}
}

var reservationSeq uint64

// popIfAdmissible reserves a slot under a placeholder key until the
// real callId is known, so concurrent admissions never race past
// MAX_CC while an Originate call is still in flight.
func (d *Dialer) popIfAdmissible() (placeholder, number string, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.inFlight) >= d.cfg.MaxCC {
		return "", "", false
	}
	if len(d.queue) == 0 {
		if !d.depleted {
			d.depleted = true
			logger.Info("number queue depleted, no more calls to originate")
		}
		return "", "", false
	}

	number = d.queue[0]
	d.queue = d.queue[1:]
	reservationSeq++
	placeholder = fmt.Sprintf("pending:%d", reservationSeq)
	d.inFlight[placeholder] = struct{}{}
	d.reportInFlightLocked()
	return placeholder, number, true
}

func (d *Dialer) originate(ctx context.Context, placeholder, number string) {
	if err := d.limiter.Wait(ctx); err != nil {
		d.releaseSlot(placeholder)
		return
	}

	if d.metrics != nil {
		d.metrics.IncrementCounter("dialer_calls_originated", map[string]string{})
	}
	callID, err := d.correlator.Originate(ctx, number)

	d.mu.Lock()
	delete(d.inFlight, placeholder)
	if err == nil {
		d.inFlight[callID] = struct{}{}
	}
	d.reportInFlightLocked()
	d.mu.Unlock()

	if err != nil {
		logger.WithField("number", number).WithError(err).Warn("origination failed")
	}

	d.maybeOriginateNext(ctx)
}

func (d *Dialer) releaseSlot(placeholder string) {
	d.mu.Lock()
	delete(d.inFlight, placeholder)
	d.reportInFlightLocked()
	d.mu.Unlock()
}

// HandleCallCompleted is the Correlator's CompletionFunc: it releases
// the concurrency slot and resumes dialing (§4.2 markCallCompleted).
func (d *Dialer) HandleCallCompleted(callID string) {
	d.mu.Lock()
	delete(d.inFlight, callID)
	d.reportInFlightLocked()
	d.mu.Unlock()

	d.maybeOriginateNext(context.Background())
}
