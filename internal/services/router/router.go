package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"cloakroom/internal/domain"
	"cloakroom/internal/services/group"
	"cloakroom/internal/services/pairwise"
)

// Config bounds the pending queue and its retry budget.
type Config struct {
	MaxPending    int           // queue capacity, oldest dropped; default 256
	MaxRetries    int           // per entry, default 5
	PendingTTL    time.Duration // per entry, default 10m
	SweepInterval time.Duration // background sweep period, default 30s
}

func (c *Config) applyDefaults() {
	if c.MaxPending == 0 {
		c.MaxPending = 256
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.PendingTTL == 0 {
		c.PendingTTL = 10 * time.Minute
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 30 * time.Second
	}
}

// decryptFunc opens one envelope kind. The table is closed and populated at
// construction; there is no dynamic registration.
type decryptFunc func(env domain.Envelope) ([]byte, error)

// Router dispatches arbitrary ciphertext envelopes to the matching session
// store and owns the pending-decryption queue.
type Router struct {
	cfg    Config
	table  map[domain.EnvelopeKind]decryptFunc
	log    logrus.FieldLogger

	mu          sync.Mutex
	pending     []domain.PendingDecryption
	onFail      func(domain.PendingDecryption)
	onRecovered func(room domain.RoomID, id domain.SessionID, plaintexts [][]byte)
}

// New builds a router over the two session stores.
func New(cfg Config, pw *pairwise.Store, groups *group.Manager, log logrus.FieldLogger) *Router {
	cfg.applyDefaults()
	r := &Router{cfg: cfg, log: log}
	r.table = map[domain.EnvelopeKind]decryptFunc{
		domain.KindPairwise: pw.Decrypt,
		domain.KindGroup: func(env domain.Envelope) ([]byte, error) {
			var msg domain.GroupMessage
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				return nil, fmt.Errorf("group payload: %w", domain.ErrMalformedCiphertext)
			}
			return groups.Decrypt(env.RoomID, msg)
		},
	}
	return r
}

// SetFailureHandler installs the callback receiving entries that exhausted
// their retry or time budget.
func (r *Router) SetFailureHandler(fn func(domain.PendingDecryption)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFail = fn
}

// SetRecoveredHandler installs the callback receiving plaintexts the
// background sweep recovers. RetryPending hands its recoveries straight back
// to the caller and does not go through it.
func (r *Router) SetRecoveredHandler(fn func(room domain.RoomID, id domain.SessionID, plaintexts [][]byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRecovered = fn
}

// Route decrypts an envelope. When the session or key is not available yet,
// the envelope is queued for retry and ErrUndecryptableMessage is returned
// immediately; Route never blocks on key arrival.
func (r *Router) Route(env domain.Envelope) ([]byte, error) {
	decrypt, ok := r.table[env.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown envelope kind %q: %w", env.Kind, domain.ErrMalformedCiphertext)
	}

	pt, err := decrypt(env)
	if err == nil {
		return pt, nil
	}
	if !errors.Is(err, domain.ErrUnknownSession) {
		return nil, err
	}

	r.enqueue(env)
	return nil, fmt.Errorf("%v: %w", err, domain.ErrUndecryptableMessage)
}

// RetryPending re-attempts queued entries for one (room, session id), called
// after the matching key arrives. It returns the recovered plaintexts in
// arrival order.
func (r *Router) RetryPending(room domain.RoomID, id domain.SessionID) [][]byte {
	r.mu.Lock()
	var matched []domain.PendingDecryption
	rest := r.pending[:0]
	for _, p := range r.pending {
		if p.RoomID == room && p.SessionID == id {
			matched = append(matched, p)
		} else {
			rest = append(rest, p)
		}
	}
	r.pending = rest
	r.mu.Unlock()

	var out [][]byte
	for _, p := range matched {
		decrypt := r.table[p.Envelope.Kind]
		pt, err := decrypt(p.Envelope)
		if err == nil {
			out = append(out, pt)
			continue
		}
		if errors.Is(err, domain.ErrUnknownSession) {
			p.Retries++
			r.requeue(p)
			continue
		}
		r.fail(p, err)
	}
	return out
}

// Sweep retries everything in the queue once and expires entries past their
// budget. Entries that decrypt during the sweep are delivered through the
// recovered handler; their message keys are consumed by the attempt, so
// dropping the plaintext here would lose the message for good. The
// caller-facing result is the number of entries recovered.
func (r *Router) Sweep(now time.Time) int {
	r.mu.Lock()
	queued := r.pending
	r.pending = nil
	r.mu.Unlock()

	type sessionKey struct {
		room domain.RoomID
		id   domain.SessionID
	}
	recovered := make(map[sessionKey][][]byte)
	n := 0
	for _, p := range queued {
		if now.Sub(p.ArrivedAt) > r.cfg.PendingTTL || p.Retries >= r.cfg.MaxRetries {
			r.fail(p, domain.ErrUndecryptableMessage)
			continue
		}
		decrypt := r.table[p.Envelope.Kind]
		pt, err := decrypt(p.Envelope)
		if err == nil {
			k := sessionKey{p.RoomID, p.SessionID}
			recovered[k] = append(recovered[k], pt)
			n++
			continue
		}
		if !errors.Is(err, domain.ErrUnknownSession) {
			r.fail(p, err)
			continue
		}
		p.Retries++
		r.requeue(p)
	}

	r.mu.Lock()
	fn := r.onRecovered
	r.mu.Unlock()
	if fn != nil {
		for k, pts := range recovered {
			fn(k.room, k.id, pts)
		}
	}
	return n
}

// Start runs the periodic sweep until ctx is cancelled.
func (r *Router) Start(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				r.Sweep(t)
			}
		}
	}()
}

// PendingCount reports the queue length.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// ExportState snapshots the queue for the persistence codec.
func (r *Router) ExportState() []domain.PendingDecryption {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.PendingDecryption(nil), r.pending...)
}

// ImportState replaces the queue from a restored snapshot.
func (r *Router) ImportState(pending []domain.PendingDecryption) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append([]domain.PendingDecryption(nil), pending...)
}

func (r *Router) enqueue(env domain.Envelope) {
	entry := domain.PendingDecryption{
		RoomID:    env.RoomID,
		SessionID: env.SessionID,
		Envelope:  env,
		ArrivedAt: time.Now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) >= r.cfg.MaxPending {
		dropped := r.pending[0]
		r.pending = r.pending[1:]
		r.log.WithFields(logrus.Fields{
			"room":    dropped.RoomID,
			"session": dropped.SessionID,
		}).Warn("pending queue full, dropping oldest entry")
	}
	r.pending = append(r.pending, entry)
	r.log.WithFields(logrus.Fields{
		"room":    entry.RoomID,
		"session": entry.SessionID,
	}).Debug("queued undecryptable message")
}

func (r *Router) requeue(p domain.PendingDecryption) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) >= r.cfg.MaxPending {
		r.pending = r.pending[1:]
	}
	r.pending = append(r.pending, p)
}

func (r *Router) fail(p domain.PendingDecryption, err error) {
	r.log.WithFields(logrus.Fields{
		"room":    p.RoomID,
		"session": p.SessionID,
		"retries": p.Retries,
		"error":   err,
	}).Warn("pending decryption permanently failed")

	r.mu.Lock()
	fn := r.onFail
	r.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}
