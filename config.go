package chatsync

import (
	"log/slog"
	"net/http"
	"time"
)

const (
	writeWait  = 10 * time.Second    // time allowed to write a frame to the bus
	pongWait   = 60 * time.Second    // heartbeat timeout: no pong for this long means the connection is gone
	pingPeriod = (pongWait * 9) / 10 // must be less than pongWait

	maxFrameSize = 64 * 1024
)

// Config holds the knobs for one chat sync service. The zero value is
// unusable; URL and RESTBaseURL are required, everything else has defaults.
type Config struct {
	// URL is the websocket endpoint of the message bus.
	URL string
	// RESTBaseURL is the base URL of the conversations REST API.
	RESTBaseURL string

	// DialTimeout bounds a single connect attempt.
	DialTimeout time.Duration
	// RequestTimeout bounds each REST call.
	RequestTimeout time.Duration

	// BackoffBase is the first reconnect delay; each failed attempt doubles
	// it up to BackoffCap.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// MaxReconnectAttempts bounds the reconnect loop; past it the manager
	// surfaces ErrMaxReconnects instead of retrying forever.
	MaxReconnectAttempts int

	// TypingTimeout is the inactivity window after which a local typing
	// burst auto-stops.
	TypingTimeout time.Duration
	// TypingRemoteExpiry drops a remote typer that never sent an explicit
	// stop. Negative disables the safety net.
	TypingRemoteExpiry time.Duration

	// Transport substitutes the websocket transport, for tests.
	Transport Transport
	// HTTPClient substitutes the REST http client.
	HTTPClient *http.Client

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.TypingTimeout <= 0 {
		c.TypingTimeout = 2500 * time.Millisecond
	}
	if c.TypingRemoteExpiry == 0 {
		c.TypingRemoteExpiry = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
