package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaypulse/streamgate/internal/pool"
)

// Watcher subscribes to platform stream channels through a connection
// pool and normalizes inbound envelopes into DeliveryEvents. The pool
// decides whether an attempt is admitted; the watcher owns the retry
// schedule, reconnecting on close events with its own doubling delay.
type Watcher struct {
	cfg    Config
	pool   *pool.Pool
	logger *slog.Logger

	events *EventBuffer[DeliveryEvent]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher on the given pool.
func NewWatcher(cfg Config, p *pool.Pool, logger *slog.Logger) *Watcher {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		cfg:    cfg,
		pool:   p,
		logger: logger,
		events: NewEventBuffer[DeliveryEvent](cfg.BufferSize),
	}
}

// Events returns the output buffer of normalized events.
func (w *Watcher) Events() *EventBuffer[DeliveryEvent] {
	return w.events
}

// Start begins watching all configured channels.
func (w *Watcher) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	for _, channel := range w.cfg.Channels {
		w.wg.Add(1)
		go w.watchChannel(channel)
	}

	w.logger.Info("stream watcher started",
		"url", w.cfg.URL,
		"channels", w.cfg.Channels,
	)
	return nil
}

// Stop shuts the watcher down and closes the event buffer.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.events.Close()
	w.logger.Info("stream watcher stopped")
}

// watchChannel keeps one channel subscribed for the watcher's lifetime.
func (w *Watcher) watchChannel(channel string) {
	defer w.wg.Done()

	wait := w.cfg.ReconnectBaseDelay

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		id, err := w.pool.Connect(w.ctx, channel, w.cfg.URL)
		if err != nil {
			w.logger.Warn("connect failed",
				"channel", channel,
				"error", err,
			)

			select {
			case <-w.ctx.Done():
				return
			case <-time.After(wait):
			}
			wait *= 2
			if wait > w.cfg.ReconnectMaxDelay {
				wait = w.cfg.ReconnectMaxDelay
			}
			continue
		}
		wait = w.cfg.ReconnectBaseDelay

		closed := make(chan struct{})
		var once sync.Once
		closeTok := w.pool.On(id, pool.EventClose, func(pool.Event) {
			once.Do(func() { close(closed) })
		})
		if closeTok == 0 {
			// Connection died before we could attach; retry.
			continue
		}
		w.pool.On(id, pool.EventMessage, func(ev pool.Event) {
			w.handleMessage(id, channel, ev)
		})

		if !w.pool.Send(id, SubscribeCommand{Action: "subscribe", Channel: channel}) {
			w.logger.Warn("subscribe send failed", "channel", channel)
		}

		w.logger.Debug("channel attached", "channel", channel, "conn_id", id)

		select {
		case <-w.ctx.Done():
			w.pool.Close(id, websocket.CloseNormalClosure, "watcher stopped")
			return
		case <-closed:
			w.logger.Info("channel connection closed, will reconnect",
				"channel", channel,
			)
		}
	}
}

// handleMessage parses one raw frame from the pool.
func (w *Watcher) handleMessage(id, channel string, ev pool.Event) {
	var env Envelope
	if err := json.Unmarshal(ev.Data, &env); err != nil {
		w.logger.Warn("unparseable frame",
			"channel", channel,
			"error", err,
		)
		return
	}

	switch env.Type {
	case "pong":
		return

	case "error":
		var p ErrorPayload
		json.Unmarshal(env.Payload, &p)
		w.logger.Warn("server error envelope",
			"channel", channel,
			"code", p.Code,
			"message", p.Message,
		)
		// The server refused this subscription; close abnormally so
		// the type cools down before the next attempt.
		w.pool.Close(id, websocket.ClosePolicyViolation, p.Code)
		return

	case "delivery_metrics":
		var p MetricsPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			w.logger.Warn("bad metrics payload", "error", err)
			return
		}
		w.events.Push(DeliveryEvent{
			Channel:    ChannelMetrics,
			CampaignID: p.CampaignID,
			Metrics:    &p,
			EventTs:    env.Timestamp,
			ReceivedAt: ev.ReceivedAt,
		})

	case "campaign_progress":
		var p ProgressPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			w.logger.Warn("bad progress payload", "error", err)
			return
		}
		w.events.Push(DeliveryEvent{
			Channel:    ChannelProgress,
			CampaignID: p.CampaignID,
			Progress:   &p,
			EventTs:    env.Timestamp,
			ReceivedAt: ev.ReceivedAt,
		})

	default:
		w.logger.Debug("unhandled envelope type",
			"type", env.Type,
			"channel", channel,
		)
	}
}
