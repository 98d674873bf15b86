// Package stream provides the live event subscription transport for the
// upstream fleet feed. It maintains one server-sent-events connection,
// reconnecting on failure with exponential backoff, and delivers raw event
// frames plus connection notifications on a single channel so the consumer
// stays a strictly ordered, single-reader loop.
package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Default transport tuning.
const (
	// DefaultHeartbeatTimeout is how long the connection may stay silent
	// before it is considered lost.
	DefaultHeartbeatTimeout = 30 * time.Second

	// DefaultInitialBackoff is the first reconnect delay.
	DefaultInitialBackoff = 500 * time.Millisecond

	// DefaultMaxBackoff caps the reconnect delay.
	DefaultMaxBackoff = 15 * time.Second

	// DefaultBuffer is the message channel capacity.
	DefaultBuffer = 64
)

// ErrHeartbeatTimeout indicates the connection went silent beyond the
// configured heartbeat window.
var ErrHeartbeatTimeout = errors.New("stream: heartbeat timeout")

// Kind discriminates messages delivered by the subscriber.
type Kind int

// Message kinds.
const (
	// KindData carries one raw event payload.
	KindData Kind = iota

	// KindConnected signals the stream opened (or reopened).
	KindConnected

	// KindDisconnected signals a previously open stream was lost.
	// The subscriber keeps reconnecting on its own.
	KindDisconnected
)

// Message is one item delivered by the subscriber.
type Message struct {
	Kind Kind
	Data []byte
	Err  error
}

// Config holds configuration for the subscriber.
type Config struct {
	// URL is the SSE endpoint (required).
	URL string

	// HTTPClient is the client used for the long-lived request (optional).
	// It must not set a request timeout, or the stream would be cut.
	HTTPClient *http.Client

	// HeartbeatTimeout bounds how long the stream may stay silent.
	HeartbeatTimeout time.Duration

	// InitialBackoff and MaxBackoff shape the reconnect delays.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Buffer is the message channel capacity.
	Buffer int

	// Logger for transport events.
	Logger zerolog.Logger
}

// Subscriber owns one live SSE connection.
type Subscriber struct {
	cfg    Config
	client *http.Client
	msgs   chan Message
}

// NewSubscriber creates a subscriber for the given endpoint.
func NewSubscriber(cfg Config) *Subscriber {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultBuffer
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	return &Subscriber{
		cfg:    cfg,
		client: client,
		msgs:   make(chan Message, cfg.Buffer),
	}
}

// Messages returns the channel the subscriber delivers on. It is closed
// when Run returns.
func (s *Subscriber) Messages() <-chan Message {
	return s.msgs
}

// Run connects and keeps the stream alive until ctx is cancelled. The
// connection is released on every exit path.
func (s *Subscriber) Run(ctx context.Context) error {
	defer close(s.msgs)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.InitialBackoff
	bo.MaxInterval = s.cfg.MaxBackoff
	bo.MaxElapsedTime = 0 // reconnect forever

	for {
		opened, err := s.attempt(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if opened {
			// A previously open stream was lost. Failed attempts that
			// never opened are only logged, to keep one alert per loss.
			s.emit(ctx, Message{Kind: KindDisconnected, Err: err})
			bo.Reset()
			s.cfg.Logger.Warn().Err(err).Msg("stream lost, reconnecting")
		} else {
			s.cfg.Logger.Warn().Err(err).Msg("stream connect failed, retrying")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// attempt opens the stream once and reads it until failure. It reports
// whether the stream was ever open and the error that ended it.
func (s *Subscriber) attempt(ctx context.Context) (bool, error) {
	// Per-attempt context so the heartbeat watchdog can abort a silent
	// connection without touching the outer lifecycle.
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, s.cfg.URL, http.NoBody)
	if err != nil {
		return false, fmt.Errorf("creating stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("unexpected stream status %d", resp.StatusCode)
	}

	s.emit(ctx, Message{Kind: KindConnected})
	s.cfg.Logger.Info().Str("url", s.cfg.URL).Msg("stream open")

	watchdog := time.AfterFunc(s.cfg.HeartbeatTimeout, cancel)
	defer watchdog.Stop()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var data []byte
	for scanner.Scan() {
		// Any traffic counts as liveness, comments and keepalives included.
		watchdog.Reset(s.cfg.HeartbeatTimeout)

		line := scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				s.emit(ctx, Message{Kind: KindData, Data: data})
				data = nil
			}
		case strings.HasPrefix(line, "data:"):
			chunk := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, chunk...)
		default:
			// Field names we do not use (event, id, retry) and comments.
		}
	}

	err = scanner.Err()
	switch {
	case attemptCtx.Err() != nil && ctx.Err() == nil:
		// Only the watchdog cancels the attempt without the parent.
		err = ErrHeartbeatTimeout
	case err == nil:
		// Server closed an open stream cleanly.
		err = io.ErrUnexpectedEOF
	}
	return true, err
}

// emit delivers a message unless the subscriber is shutting down.
func (s *Subscriber) emit(ctx context.Context, m Message) {
	select {
	case s.msgs <- m:
	case <-ctx.Done():
	}
}
