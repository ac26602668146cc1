package pool

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaypulse/streamgate/internal/notify"
	"github.com/relaypulse/streamgate/internal/ratelimit"
)

func testPoolConfig() Config {
	return Config{
		MaxPerType:        2,
		MaxTotal:          4,
		HeartbeatInterval: time.Hour, // keep heartbeats out of the way unless a test wants them
		HandshakeTimeout:  5 * time.Second,
		WriteTimeout:      5 * time.Second,
		BufferSize:        100,
		RateLimit: RateLimitConfig{
			Capacity:       100,
			RefillAmount:   100,
			RefillInterval: time.Second,
		},
		Backoff: ratelimit.BackoffConfig{
			BaseBackoff: time.Second,
			MaxBackoff:  60 * time.Second,
			ResetAfter:  5 * time.Minute,
		},
	}
}

// countingWSServer tracks how many upgrades the server performed, so
// tests can assert that rejected attempts never touched the transport.
func countingWSServer(t *testing.T, handler func(*websocket.Conn)) (*httptest.Server, *atomic.Int32) {
	var upgrades atomic.Int32
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		upgrades.Add(1)
		defer conn.Close()
		handler(conn)
	}))

	return server, &upgrades
}

func holdOpen(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestPool_ConnectAndCount(t *testing.T) {
	server, _ := countingWSServer(t, holdOpen)
	defer server.Close()

	p := New(testPoolConfig())
	defer p.Dispose()

	id1, err := p.Connect(context.Background(), "metrics", wsURL(server))
	if err != nil {
		t.Fatalf("Connect metrics failed: %v", err)
	}
	id2, err := p.Connect(context.Background(), "progress", wsURL(server))
	if err != nil {
		t.Fatalf("Connect progress failed: %v", err)
	}
	if id1 == id2 {
		t.Error("connection ids should be unique")
	}

	if got := p.ConnectionCount("metrics"); got != 1 {
		t.Errorf("ConnectionCount(metrics) = %d, want 1", got)
	}
	if got := p.ConnectionCount("progress"); got != 1 {
		t.Errorf("ConnectionCount(progress) = %d, want 1", got)
	}
	if got := p.TotalConnectionCount(); got != 2 {
		t.Errorf("TotalConnectionCount = %d, want 2", got)
	}
}

func TestPool_PerTypeLimit(t *testing.T) {
	server, upgrades := countingWSServer(t, holdOpen)
	defer server.Close()

	cfg := testPoolConfig()
	cfg.MaxPerType = 1
	p := New(cfg)
	defer p.Dispose()

	if _, err := p.Connect(context.Background(), "metrics", wsURL(server)); err != nil {
		t.Fatalf("first Connect failed: %v", err)
	}

	_, err := p.Connect(context.Background(), "metrics", wsURL(server))
	if !errors.Is(err, ErrTypeLimit) {
		t.Fatalf("second Connect error = %v, want ErrTypeLimit", err)
	}

	if got := p.ConnectionCount("metrics"); got != 1 {
		t.Errorf("ConnectionCount = %d, want 1", got)
	}
	if got := upgrades.Load(); got != 1 {
		t.Errorf("server upgrades = %d, want 1 (rejection must not dial)", got)
	}
}

func TestPool_TotalLimit(t *testing.T) {
	server, _ := countingWSServer(t, holdOpen)
	defer server.Close()

	cfg := testPoolConfig()
	cfg.MaxPerType = 5
	cfg.MaxTotal = 1
	p := New(cfg)
	defer p.Dispose()

	if _, err := p.Connect(context.Background(), "metrics", wsURL(server)); err != nil {
		t.Fatalf("first Connect failed: %v", err)
	}

	_, err := p.Connect(context.Background(), "progress", wsURL(server))
	if !errors.Is(err, ErrTotalLimit) {
		t.Errorf("second Connect error = %v, want ErrTotalLimit", err)
	}
}

func TestPool_CountRegistryConsistency(t *testing.T) {
	server, _ := countingWSServer(t, holdOpen)
	defer server.Close()

	cfg := testPoolConfig()
	cfg.MaxPerType = 4
	cfg.MaxTotal = 8
	p := New(cfg)
	defer p.Dispose()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := p.Connect(context.Background(), "metrics", wsURL(server))
		if err != nil {
			t.Fatalf("Connect %d failed: %v", i, err)
		}
		ids = append(ids, id)

		if p.ConnectionCount("metrics") != p.TotalConnectionCount() {
			t.Fatalf("after open %d: type count %d != total %d",
				i, p.ConnectionCount("metrics"), p.TotalConnectionCount())
		}
	}

	for i, id := range ids {
		p.Close(id, 0, "")
		want := len(ids) - i - 1
		waitFor(t, time.Second, "count to drop", func() bool {
			return p.ConnectionCount("metrics") == want
		})
		if p.ConnectionCount("metrics") != p.TotalConnectionCount() {
			t.Fatalf("after close %d: type count %d != total %d",
				i, p.ConnectionCount("metrics"), p.TotalConnectionCount())
		}
	}
}

func TestPool_SendUnknownID(t *testing.T) {
	p := New(testPoolConfig())
	defer p.Dispose()

	if p.Send("no-such-id", "hello") {
		t.Error("Send to unknown id = true, want false")
	}
}

func TestPool_Send(t *testing.T) {
	received := make(chan []byte, 10)
	server, _ := countingWSServer(t, func(conn *websocket.Conn) {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- msg
		}
	})
	defer server.Close()

	p := New(testPoolConfig())
	defer p.Dispose()

	id, err := p.Connect(context.Background(), "metrics", wsURL(server))
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if !p.Send(id, `{"subscribe":"delivery_metrics"}`) {
		t.Error("Send string = false, want true")
	}
	if !p.Send(id, map[string]string{"subscribe": "campaign_progress"}) {
		t.Error("Send object = false, want true")
	}

	want := []string{
		`{"subscribe":"delivery_metrics"}`,
		`{"subscribe":"campaign_progress"}`,
	}
	for i := range want {
		select {
		case msg := <-received:
			if string(msg) != want[i] {
				t.Errorf("message %d = %q, want %q", i, msg, want[i])
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for message %d", i)
		}
	}
}

func TestPool_SendRateLimited(t *testing.T) {
	server, _ := countingWSServer(t, holdOpen)
	defer server.Close()

	cfg := testPoolConfig()
	cfg.RateLimit = RateLimitConfig{
		Capacity:       2,
		RefillAmount:   1,
		RefillInterval: time.Hour,
	}
	p := New(cfg)
	defer p.Dispose()

	id, err := p.Connect(context.Background(), "metrics", wsURL(server))
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if !p.Send(id, "one") {
		t.Error("send 1 = false, want true")
	}
	if !p.Send(id, "two") {
		t.Error("send 2 = false, want true")
	}
	if p.Send(id, "three") {
		t.Error("send 3 = true, want false (bucket exhausted)")
	}
}

func TestPool_NormalCloseNoBackoff(t *testing.T) {
	server, _ := countingWSServer(t, func(conn *websocket.Conn) {
		time.Sleep(100 * time.Millisecond)
		conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
		)
		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	p := New(testPoolConfig())
	defer p.Dispose()

	id, err := p.Connect(context.Background(), "metrics", wsURL(server))
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	closed := make(chan Event, 1)
	p.On(id, EventClose, func(ev Event) {
		closed <- ev
	})

	select {
	case ev := <-closed:
		if ev.Code != websocket.CloseNormalClosure {
			t.Errorf("close code = %d, want %d", ev.Code, websocket.CloseNormalClosure)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for close event")
	}

	waitFor(t, time.Second, "count to reach zero", func() bool {
		return p.ConnectionCount("metrics") == 0
	})

	// Normal closure must not start a cooldown.
	if !p.limiter.CanAttempt("metrics") {
		t.Error("normal close triggered backoff")
	}
}

func TestPool_AbnormalCloseTriggersBackoff(t *testing.T) {
	server, _ := countingWSServer(t, func(conn *websocket.Conn) {
		time.Sleep(100 * time.Millisecond)
		conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "backend restart"),
		)
		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	p := New(testPoolConfig())
	defer p.Dispose()

	id, err := p.Connect(context.Background(), "metrics", wsURL(server))
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	closed := make(chan Event, 1)
	p.On(id, EventClose, func(ev Event) {
		closed <- ev
	})

	select {
	case ev := <-closed:
		if ev.Code != websocket.CloseInternalServerErr {
			t.Errorf("close code = %d, want %d", ev.Code, websocket.CloseInternalServerErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for close event")
	}

	if p.limiter.CanAttempt("metrics") {
		t.Error("abnormal close did not trigger backoff")
	}

	_, err = p.Connect(context.Background(), "metrics", wsURL(server))
	if !errors.Is(err, ErrBackoffActive) {
		t.Errorf("Connect during cooldown error = %v, want ErrBackoffActive", err)
	}
}

func TestPool_CallerCloseIsNormal(t *testing.T) {
	server, _ := countingWSServer(t, holdOpen)
	defer server.Close()

	p := New(testPoolConfig())
	defer p.Dispose()

	id, err := p.Connect(context.Background(), "metrics", wsURL(server))
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	closed := make(chan Event, 1)
	p.On(id, EventClose, func(ev Event) {
		closed <- ev
	})

	p.Close(id, 0, "caller done")

	select {
	case ev := <-closed:
		if ev.Code != websocket.CloseNormalClosure {
			t.Errorf("close code = %d, want normal closure", ev.Code)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for close event")
	}

	if got := p.TotalConnectionCount(); got != 0 {
		t.Errorf("TotalConnectionCount after close = %d, want 0", got)
	}
	if !p.limiter.CanAttempt("metrics") {
		t.Error("caller-initiated close triggered backoff")
	}
}

func TestPool_MessageFanOutOrder(t *testing.T) {
	send := make(chan string)
	server, _ := countingWSServer(t, func(conn *websocket.Conn) {
		for msg := range send {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
	})
	defer server.Close()
	defer close(send)

	p := New(testPoolConfig())
	defer p.Dispose()

	id, err := p.Connect(context.Background(), "metrics", wsURL(server))
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	var mu sync.Mutex
	var order []string
	p.On(id, EventMessage, func(ev Event) {
		mu.Lock()
		order = append(order, "first:"+string(ev.Data))
		mu.Unlock()
	})
	second := p.On(id, EventMessage, func(ev Event) {
		mu.Lock()
		order = append(order, "second:"+string(ev.Data))
		mu.Unlock()
	})

	send <- "a"
	waitFor(t, time.Second, "both handlers to fire", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	})

	mu.Lock()
	if order[0] != "first:a" || order[1] != "second:a" {
		t.Errorf("handler order = %v, want registration order", order)
	}
	mu.Unlock()

	// After Off, only the first handler fires.
	p.Off(id, EventMessage, second)
	send <- "b"
	waitFor(t, time.Second, "remaining handler to fire", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})

	mu.Lock()
	if order[2] != "first:b" {
		t.Errorf("after Off: got %q, want first:b", order[2])
	}
	mu.Unlock()
}

func TestPool_Heartbeat(t *testing.T) {
	received := make(chan []byte, 10)
	server, _ := countingWSServer(t, func(conn *websocket.Conn) {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- msg
		}
	})
	defer server.Close()

	cfg := testPoolConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	p := New(cfg)
	defer p.Dispose()

	if _, err := p.Connect(context.Background(), "metrics", wsURL(server)); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	select {
	case msg := <-received:
		if string(msg) != `{"type":"ping"}` {
			t.Errorf("heartbeat payload = %q, want ping envelope", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no heartbeat received")
	}
}

func TestPool_Dispose(t *testing.T) {
	server, _ := countingWSServer(t, holdOpen)
	defer server.Close()

	p := New(testPoolConfig())

	if _, err := p.Connect(context.Background(), "metrics", wsURL(server)); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if _, err := p.Connect(context.Background(), "progress", wsURL(server)); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	p.Dispose()

	if got := p.TotalConnectionCount(); got != 0 {
		t.Errorf("TotalConnectionCount after Dispose = %d, want 0", got)
	}

	_, err := p.Connect(context.Background(), "metrics", wsURL(server))
	if !errors.Is(err, ErrPoolDisposed) {
		t.Errorf("Connect after Dispose error = %v, want ErrPoolDisposed", err)
	}

	// Dispose is idempotent.
	p.Dispose()
}

// panickingNotifier exercises the best-effort guard around notices.
type panickingNotifier struct{}

func (panickingNotifier) Notify(notify.Notice) {
	panic("toast surface gone")
}

func TestPool_NotifierFailureDoesNotBreakRejection(t *testing.T) {
	p := New(testPoolConfig(), WithNotifier(panickingNotifier{}))
	defer p.Dispose()

	p.limiter.RecordError("metrics")

	_, err := p.Connect(context.Background(), "metrics", "ws://localhost:12345")
	if !errors.Is(err, ErrBackoffActive) {
		t.Errorf("Connect error = %v, want ErrBackoffActive despite notifier panic", err)
	}
}

// recordingNotifier captures notices for assertions.
type recordingNotifier struct {
	mu      sync.Mutex
	notices []notify.Notice
}

func (r *recordingNotifier) Notify(n notify.Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notices)
}

func TestPool_DenialsSurfaceNotices(t *testing.T) {
	server, _ := countingWSServer(t, holdOpen)
	defer server.Close()

	notifier := &recordingNotifier{}
	cfg := testPoolConfig()
	cfg.MaxPerType = 1
	p := New(cfg, WithNotifier(notifier))
	defer p.Dispose()

	if _, err := p.Connect(context.Background(), "metrics", wsURL(server)); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if notifier.count() != 0 {
		t.Error("successful connect should not notify")
	}

	p.Connect(context.Background(), "metrics", wsURL(server))
	if notifier.count() != 1 {
		t.Errorf("notices after capacity denial = %d, want 1", notifier.count())
	}
}

func TestPool_EndToEndGovernance(t *testing.T) {
	disconnect := make(chan struct{})
	server, upgrades := countingWSServer(t, func(conn *websocket.Conn) {
		<-disconnect
		// Drop the TCP connection without a close frame: the client
		// observes an abnormal closure (1006).
		conn.NetConn().Close()
	})
	defer server.Close()

	cfg := testPoolConfig()
	cfg.MaxPerType = 1
	cfg.MaxTotal = 1
	p := New(cfg)
	defer p.Dispose()

	id, err := p.Connect(context.Background(), "metrics", wsURL(server))
	if err != nil {
		t.Fatalf("first Connect failed: %v", err)
	}
	if got := p.ConnectionCount("metrics"); got != 1 {
		t.Fatalf("ConnectionCount = %d, want 1", got)
	}

	// Second attempt while the first is live: per-type limit, no dial.
	_, err = p.Connect(context.Background(), "metrics", wsURL(server))
	if !errors.Is(err, ErrTypeLimit) {
		t.Fatalf("second Connect error = %v, want ErrTypeLimit", err)
	}
	if got := p.ConnectionCount("metrics"); got != 1 {
		t.Errorf("count after rejection = %d, want 1", got)
	}
	if got := upgrades.Load(); got != 1 {
		t.Errorf("server upgrades = %d, want 1", got)
	}

	closed := make(chan Event, 1)
	p.On(id, EventClose, func(ev Event) {
		closed <- ev
	})

	close(disconnect)

	select {
	case ev := <-closed:
		if ev.Code != websocket.CloseAbnormalClosure {
			t.Errorf("close code = %d, want %d", ev.Code, websocket.CloseAbnormalClosure)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for abnormal close")
	}

	waitFor(t, time.Second, "count to reach zero", func() bool {
		return p.ConnectionCount("metrics") == 0
	})

	// The abnormal closure put the type on cooldown.
	_, err = p.Connect(context.Background(), "metrics", wsURL(server))
	if !errors.Is(err, ErrBackoffActive) {
		t.Errorf("third Connect error = %v, want ErrBackoffActive", err)
	}
}

func TestPool_FailedDialCountsAgainstBackoff(t *testing.T) {
	cfg := testPoolConfig()
	p := New(cfg)
	defer p.Dispose()

	// Nothing is listening here.
	_, err := p.Connect(context.Background(), "metrics", "ws://127.0.0.1:1")
	if err == nil {
		t.Fatal("Connect to dead endpoint succeeded")
	}

	if got := p.limiter.FailureCount("metrics"); got != 1 {
		t.Errorf("FailureCount after failed dial = %d, want 1", got)
	}
}
