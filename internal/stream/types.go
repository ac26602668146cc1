package stream

import (
	"encoding/json"
	"time"
)

// Stream channel names. Each maps to a pool connection type so quota
// and backoff apply per channel.
const (
	ChannelMetrics  = "metrics"
	ChannelProgress = "progress"
)

// Envelope is the platform's streaming message wrapper. Payload shape
// depends on Type.
type Envelope struct {
	Type      string          `json:"type"` // "delivery_metrics", "campaign_progress", "error", "pong"
	Channel   string          `json:"channel,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"ts,omitempty"` // Unix timestamp (seconds)
}

// ErrorPayload is the payload of an "error" envelope. Receiving one
// means the server will not serve this subscription; the watcher closes
// the connection itself.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MetricsPayload is the payload of a "delivery_metrics" envelope.
type MetricsPayload struct {
	CampaignID string `json:"campaign_id"`
	Accepted   int64  `json:"accepted"`
	Delivered  int64  `json:"delivered"`
	Bounced    int64  `json:"bounced"`
	Deferred   int64  `json:"deferred"`
	Complaints int64  `json:"complaints"`
	Opens      int64  `json:"opens"`
	Clicks     int64  `json:"clicks"`
}

// ProgressPayload is the payload of a "campaign_progress" envelope.
type ProgressPayload struct {
	CampaignID string `json:"campaign_id"`
	State      string `json:"state"` // "queued", "sending", "paused", "completed"
	Sent       int64  `json:"sent"`
	Total      int64  `json:"total"`
}

// SubscribeCommand is sent after a connection opens to select a
// channel.
type SubscribeCommand struct {
	Action  string `json:"action"` // always "subscribe"
	Channel string `json:"channel"`
}

// DeliveryEvent is the watcher's normalized output: one metrics or
// progress update for one campaign.
type DeliveryEvent struct {
	Channel    string // ChannelMetrics or ChannelProgress
	CampaignID string
	Metrics    *MetricsPayload  // set for metrics events
	Progress   *ProgressPayload // set for progress events
	EventTs    int64            // server timestamp (Unix seconds)
	ReceivedAt time.Time        // local receive time
}

// Config configures a Watcher.
type Config struct {
	// URL is the platform streaming endpoint.
	URL string `yaml:"url"`

	// Channels lists the stream channels to watch.
	Channels []string `yaml:"channels"`

	// ReconnectBaseDelay and ReconnectMaxDelay bound the watcher's own
	// retry loop. The pool only reports closure; retrying is ours.
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`

	// BufferSize is the initial capacity of the output event buffer.
	BufferSize int `yaml:"buffer_size"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Channels:           []string{ChannelMetrics, ChannelProgress},
		ReconnectBaseDelay: time.Second,
		ReconnectMaxDelay:  60 * time.Second,
		BufferSize:         1024,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if len(c.Channels) == 0 {
		c.Channels = def.Channels
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = def.ReconnectBaseDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = def.ReconnectMaxDelay
	}
	if c.BufferSize < 1 {
		c.BufferSize = def.BufferSize
	}
}
