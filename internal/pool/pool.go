package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relaypulse/streamgate/internal/notify"
	"github.com/relaypulse/streamgate/internal/ratelimit"
)

// heartbeatPayload is the keep-alive frame sent on every open
// connection while it remains open.
var heartbeatPayload = []byte(`{"type":"ping"}`)

// registeredHandler pairs a listener with the token handed back by On.
type registeredHandler struct {
	token int
	fn    Handler
}

// connRecord is the pool's exclusive view of one live connection.
// Callers receive only the id.
type connRecord struct {
	id       string
	connType string
	client   Client
	limiter  *ratelimit.TokenBucket

	// done stops the read and heartbeat goroutines.
	done chan struct{}

	mu        sync.Mutex
	closed    bool
	handlers  map[EventKind][]registeredHandler
	nextToken int
}

// Pool is the single authority for admitting, tracking, and retiring
// pooled WebSocket connections. It enforces per-type and global
// capacity ceilings, consults the error limiter before admitting new
// attempts, sends heartbeats on open connections, and fans transport
// events out to per-connection listener registries.
//
// Reconnection is deliberately not the pool's job: it only reports
// closure; callers schedule their own retries (see internal/stream).
type Pool struct {
	cfg      Config
	limiter  *ratelimit.ErrorLimiter
	notifier notify.Notifier
	logger   *slog.Logger

	// newClient is swapped in tests.
	newClient func(ClientConfig, *slog.Logger) Client

	mu         sync.Mutex
	conns      map[string]*connRecord
	typeCounts map[string]int
	disposed   bool

	wg sync.WaitGroup
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithNotifier sets the user-notification surface for denied attempts.
func WithNotifier(n notify.Notifier) Option {
	return func(p *Pool) {
		p.notifier = n
	}
}

// New creates a Pool. There is no shared default instance: each host
// constructs its own and controls its lifetime.
func New(cfg Config, opts ...Option) *Pool {
	cfg.applyDefaults()

	p := &Pool{
		cfg:        cfg,
		limiter:    ratelimit.NewErrorLimiter(cfg.Backoff),
		logger:     slog.Default(),
		newClient:  NewClient,
		conns:      make(map[string]*connRecord),
		typeCounts: make(map[string]int),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Connect admits a new connection of the given logical type to the
// given URL and returns its id. Backoff and capacity are checked before
// any transport I/O, so those rejections never touch the network.
// A failed dial counts against the type's backoff.
func (p *Pool) Connect(ctx context.Context, connType, url string) (string, error) {
	if err := p.checkAdmission(connType); err != nil {
		return "", err
	}

	client := p.newClient(ClientConfig{
		URL:              url,
		HandshakeTimeout: p.cfg.HandshakeTimeout,
		WriteTimeout:     p.cfg.WriteTimeout,
		BufferSize:       p.cfg.BufferSize,
	}, p.logger.With("conn_type", connType))

	if err := client.Connect(ctx); err != nil {
		p.limiter.RecordError(connType)
		return "", fmt.Errorf("dial %s: %w", url, err)
	}

	rec := &connRecord{
		id:       uuid.NewString(),
		connType: connType,
		client:   client,
		limiter: ratelimit.NewTokenBucket(
			p.cfg.RateLimit.Capacity,
			p.cfg.RateLimit.RefillAmount,
			p.cfg.RateLimit.RefillInterval,
		),
		done:     make(chan struct{}),
		handlers: make(map[EventKind][]registeredHandler),
	}

	// Re-check ceilings at admission: the dial ran unlocked, so a
	// concurrent Connect may have taken the last slot.
	p.mu.Lock()
	if err := p.admissionErrLocked(connType); err != nil {
		p.mu.Unlock()
		client.Close(websocket.CloseNormalClosure, "admission denied")
		if !errors.Is(err, ErrPoolDisposed) {
			p.notifyDenied(connType, err)
		}
		return "", err
	}
	p.conns[rec.id] = rec
	p.typeCounts[connType]++
	p.mu.Unlock()

	p.limiter.Reset(connType)
	rec.limiter.Start()

	p.wg.Add(2)
	go p.readLoop(rec)
	go p.heartbeatLoop(rec)

	p.dispatch(rec, Event{Kind: EventOpen, ConnID: rec.id, ConnType: connType})

	p.logger.Debug("connection admitted",
		"conn_id", rec.id,
		"type", connType,
		"url", url,
	)

	return rec.id, nil
}

// checkAdmission runs the pre-dial policy checks and surfaces a notice
// when an attempt is denied.
func (p *Pool) checkAdmission(connType string) error {
	if !p.limiter.CanAttempt(connType) {
		wait := p.limiter.TimeLeft(connType)
		err := fmt.Errorf("%w: type %q may retry in %s",
			ErrBackoffActive, connType, wait.Round(time.Millisecond))
		p.notifyDenied(connType, err)
		return err
	}

	p.mu.Lock()
	err := p.admissionErrLocked(connType)
	p.mu.Unlock()
	if err != nil {
		if !errors.Is(err, ErrPoolDisposed) {
			p.notifyDenied(connType, err)
		}
		return err
	}
	return nil
}

// admissionErrLocked checks capacity ceilings. Caller holds p.mu.
func (p *Pool) admissionErrLocked(connType string) error {
	if p.disposed {
		return ErrPoolDisposed
	}
	if p.typeCounts[connType] >= p.cfg.MaxPerType {
		return fmt.Errorf("%w: type %q at %d", ErrTypeLimit, connType, p.cfg.MaxPerType)
	}
	if len(p.conns) >= p.cfg.MaxTotal {
		return fmt.Errorf("%w: %d connections live", ErrTotalLimit, p.cfg.MaxTotal)
	}
	return nil
}

// Send transmits data on the connection. Non-string payloads are JSON
// serialized. Returns false if the id is unknown, the connection is not
// open, the rate limiter denies the send, or the write fails. Send
// never panics and never returns an error.
func (p *Pool) Send(id string, data any) bool {
	p.mu.Lock()
	rec, ok := p.conns[id]
	p.mu.Unlock()
	if !ok {
		return false
	}

	if !rec.client.IsConnected() {
		return false
	}
	if !rec.limiter.TryRemove(1) {
		return false
	}

	payload, err := encodePayload(data)
	if err != nil {
		return false
	}
	return rec.client.Send(payload) == nil
}

func encodePayload(data any) ([]byte, error) {
	switch v := data.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return json.Marshal(v)
	}
}

// Close requests closure of the connection. Code zero means normal
// closure. Teardown runs through the same path as remote-initiated
// closure. Unknown ids are silent no-ops.
func (p *Pool) Close(id string, code int, reason string) {
	p.mu.Lock()
	rec, ok := p.conns[id]
	p.mu.Unlock()
	if !ok {
		return
	}

	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	p.teardown(rec, code, reason)
}

// On registers a listener for one event kind on the connection and
// returns a token for Off. Listeners fire in registration order. An
// unknown id returns zero and registers nothing.
func (p *Pool) On(id string, kind EventKind, fn Handler) int {
	p.mu.Lock()
	rec, ok := p.conns[id]
	p.mu.Unlock()
	if !ok || fn == nil {
		return 0
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.nextToken++
	rec.handlers[kind] = append(rec.handlers[kind], registeredHandler{
		token: rec.nextToken,
		fn:    fn,
	})
	return rec.nextToken
}

// Off removes a previously registered listener. Unknown ids and tokens
// are silent no-ops.
func (p *Pool) Off(id string, kind EventKind, token int) {
	p.mu.Lock()
	rec, ok := p.conns[id]
	p.mu.Unlock()
	if !ok {
		return
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	hs := rec.handlers[kind]
	for i, h := range hs {
		if h.token == token {
			rec.handlers[kind] = append(hs[:i:i], hs[i+1:]...)
			return
		}
	}
}

// ConnectionCount returns the live connection count for one type.
func (p *Pool) ConnectionCount(connType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.typeCounts[connType]
}

// TotalConnectionCount returns the live connection count across all
// types.
func (p *Pool) TotalConnectionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Dispose force-closes every tracked connection with the normal-closure
// code, stops all timers and rate limiters, and clears pool state. The
// pool admits nothing afterwards.
func (p *Pool) Dispose() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	recs := make([]*connRecord, 0, len(p.conns))
	for _, rec := range p.conns {
		recs = append(recs, rec)
	}
	p.mu.Unlock()

	for _, rec := range recs {
		p.teardown(rec, websocket.CloseNormalClosure, "pool disposed")
	}
	p.wg.Wait()

	p.logger.Debug("pool disposed", "closed", len(recs))
}

// readLoop consumes transport frames and failures for one connection
// until it closes.
func (p *Pool) readLoop(rec *connRecord) {
	defer p.wg.Done()

	for {
		select {
		case <-rec.done:
			return

		case msg := <-rec.client.Messages():
			// Raw fan-out: consumers parse payloads themselves.
			p.dispatch(rec, Event{
				Kind:       EventMessage,
				ConnID:     rec.id,
				ConnType:   rec.connType,
				Data:       msg.Data,
				ReceivedAt: msg.ReceivedAt,
			})

		case err := <-rec.client.Errors():
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				// Remote sent a close frame; its code decides whether
				// the failure counts against the type.
				p.teardown(rec, ce.Code, ce.Text)
				return
			}

			// Transport-level failure: record it, tell listeners, then
			// tear down as an abnormal closure.
			p.limiter.RecordError(rec.connType)
			p.dispatch(rec, Event{
				Kind:     EventError,
				ConnID:   rec.id,
				ConnType: rec.connType,
				Err:      err,
			})
			p.teardown(rec, websocket.CloseAbnormalClosure, err.Error())
			return
		}
	}
}

// heartbeatLoop sends the keep-alive payload while the connection is
// open. Heartbeats share the connection's rate limiter with
// application sends; a denied tick is skipped, not queued.
func (p *Pool) heartbeatLoop(rec *connRecord) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rec.done:
			return
		case <-ticker.C:
			if !rec.limiter.TryRemove(1) {
				continue
			}
			if err := rec.client.Send(heartbeatPayload); err != nil {
				p.logger.Debug("heartbeat send failed",
					"conn_id", rec.id,
					"error", err,
				)
			}
		}
	}
}

// teardown is the single cleanup path for caller-initiated, remote, and
// dispose-time closure. The first caller wins; later calls are no-ops.
// Registry removal and type-count decrement happen under one lock so
// the two never drift.
func (p *Pool) teardown(rec *connRecord, code int, reason string) {
	rec.mu.Lock()
	if rec.closed {
		rec.mu.Unlock()
		return
	}
	rec.closed = true
	rec.mu.Unlock()

	close(rec.done)
	rec.limiter.Stop()
	rec.client.Close(code, reason)

	p.mu.Lock()
	if _, ok := p.conns[rec.id]; ok {
		delete(p.conns, rec.id)
		if n := p.typeCounts[rec.connType]; n <= 1 {
			delete(p.typeCounts, rec.connType)
		} else {
			p.typeCounts[rec.connType] = n - 1
		}
	}
	p.mu.Unlock()

	if code != websocket.CloseNormalClosure {
		p.limiter.RecordError(rec.connType)
	}

	p.dispatch(rec, Event{
		Kind:     EventClose,
		ConnID:   rec.id,
		ConnType: rec.connType,
		Code:     code,
		Reason:   reason,
	})

	p.logger.Debug("connection closed",
		"conn_id", rec.id,
		"type", rec.connType,
		"code", code,
		"reason", reason,
	)
}

// dispatch invokes the connection's listeners for the event kind in
// registration order. The handler list is copied so listeners may call
// On/Off from inside a callback.
func (p *Pool) dispatch(rec *connRecord, ev Event) {
	rec.mu.Lock()
	hs := make([]registeredHandler, len(rec.handlers[ev.Kind]))
	copy(hs, rec.handlers[ev.Kind])
	rec.mu.Unlock()

	for _, h := range hs {
		h.fn(ev)
	}
}

// notifyDenied surfaces a denial through the injected notifier. The
// call is best-effort: a missing or panicking notifier never affects
// the rejection path.
func (p *Pool) notifyDenied(connType string, cause error) {
	if p.notifier == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("notifier panicked", "panic", r)
		}
	}()

	notice := notify.Notice{
		Severity: notify.SeverityWarning,
		Title:    "Connection unavailable",
	}
	switch {
	case errors.Is(cause, ErrBackoffActive):
		wait := p.limiter.TimeLeft(connType)
		notice.Description = fmt.Sprintf(
			"New %q connections are paused for %s after repeated failures.",
			connType, wait.Round(time.Second),
		)
	case errors.Is(cause, ErrTypeLimit):
		notice.Description = fmt.Sprintf(
			"The %q connection limit (%d) has been reached.",
			connType, p.cfg.MaxPerType,
		)
	case errors.Is(cause, ErrTotalLimit):
		notice.Description = fmt.Sprintf(
			"The overall connection limit (%d) has been reached.",
			p.cfg.MaxTotal,
		)
	default:
		notice.Description = cause.Error()
	}

	p.notifier.Notify(notice)
}
