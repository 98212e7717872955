package binance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/gregtusar/imbalance/pkg/metrics"
	"github.com/gregtusar/imbalance/pkg/models"
	"github.com/sirupsen/logrus"
)

const writeWait = 10 * time.Second

// Handler consumes the stream. HandleMessage is called synchronously for
// every message, in arrival order; HandleDisconnect after a connection ends.
type Handler interface {
	HandleMessage(ctx context.Context, message []byte) error
	HandleDisconnect(err error)
}

type StreamConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	// ReadTimeout is the longest silence tolerated before the connection is
	// treated as dead. The depth feed pushes every 100ms.
	ReadTimeout      time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

// DepthStreamURL builds the partial book depth stream for symbol,
// e.g. wss://fstream.binance.com/ws/btcusdt@depth20@100ms.
func DepthStreamURL(baseURL, symbol string, levels int) string {
	return fmt.Sprintf("%s/ws/%s@depth%d@100ms", strings.TrimRight(baseURL, "/"), strings.ToLower(symbol), levels)
}

// DepthStream owns the connect/read/reconnect loop for one depth feed.
type DepthStream struct {
	cfg    StreamConfig
	dialer websocket.Dialer
	logger *logrus.Logger
}

func NewDepthStream(cfg StreamConfig, logger *logrus.Logger) *DepthStream {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = 500 * time.Millisecond
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}

	return &DepthStream{
		cfg:    cfg,
		dialer: websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger: logger,
	}
}

// Run reads the feed until ctx is cancelled. Every connection failure is
// followed by a reconnect after an exponential delay capped at ReconnectMax;
// there is no retry limit.
func (s *DepthStream) Run(ctx context.Context, h Handler) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.ReconnectInitial
	policy.MaxInterval = s.cfg.ReconnectMax

	for {
		started := time.Now()
		err := s.consume(ctx, h)
		if ctx.Err() != nil {
			s.logger.Info("Depth stream stopped")
			return nil
		}

		h.HandleDisconnect(err)
		metrics.Reconnects.Inc()

		// A connection that stayed up for a while starts over at the short delay.
		if time.Since(started) >= s.cfg.ReconnectMax {
			policy.Reset()
		}
		wait := policy.NextBackOff()

		s.logger.WithError(err).WithFields(logrus.Fields{
			"url":      s.cfg.URL,
			"retry_in": wait,
		}).Error("Depth stream disconnected")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (s *DepthStream) consume(ctx context.Context, h Handler) error {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	conn, _, err := s.dialer.DialContext(dialCtx, s.cfg.URL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to connect to websocket: %w", err)
	}
	defer conn.Close()

	s.logger.WithField("url", s.cfg.URL).Info("Depth stream connected")

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	connCtx, stop := context.WithCancel(ctx)
	defer stop()
	go s.keepAlive(connCtx, conn)
	go func() {
		// Unblocks ReadMessage on shutdown.
		<-connCtx.Done()
		conn.Close()
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read depth stream: %w", err)
		}

		if err := h.HandleMessage(ctx, message); err != nil {
			if errors.Is(err, models.ErrManualIntervention) {
				s.logger.WithError(err).Error("Position needs manual intervention")
				continue
			}
			s.logger.WithError(err).Warn("Depth message skipped")
		}
	}
}

func (s *DepthStream) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.logger.WithError(err).Debug("Failed to send ping")
				return
			}
		}
	}
}
