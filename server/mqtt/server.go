// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/listeners"
)

// Listener IDs.
const (
	ListenerTCP = "tcp"
	ListenerTLS = "tls"
	ListenerWS  = "ws"
)

var errNoListeners = errors.New("no MQTT listener configured")

// Config holds broker listener settings. An empty address disables the
// listener; the TLS listener also needs TLSConfig.
type Config struct {
	TCPAddr   string
	TLSAddr   string
	TLSConfig *tls.Config
	WSAddr    string
}

// Server runs the embedded broker with the authorization hook attached.
type Server struct {
	broker *mochi.Server
	logger *slog.Logger
}

// NewServer creates the broker, attaches hook and binds the listeners.
func NewServer(cfg Config, hook *Hook, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	broker := mochi.New(&mochi.Options{
		InlineClient: true,
		Logger:       logger,
	})

	if err := broker.AddHook(hook, nil); err != nil {
		return nil, fmt.Errorf("failed to add authorization hook: %w", err)
	}

	var added int
	if cfg.TCPAddr != "" {
		if err := broker.AddListener(listeners.NewTCP(listeners.Config{
			ID:      ListenerTCP,
			Address: cfg.TCPAddr,
		})); err != nil {
			return nil, fmt.Errorf("failed to add tcp listener: %w", err)
		}
		logger.Info("MQTT listener configured", slog.String("id", ListenerTCP), slog.String("address", cfg.TCPAddr))
		added++
	}

	switch {
	case cfg.TLSAddr == "":
	case cfg.TLSConfig == nil:
		logger.Warn("TLS listener skipped: no certificate configured", slog.String("address", cfg.TLSAddr))
	default:
		if err := broker.AddListener(listeners.NewTCP(listeners.Config{
			ID:        ListenerTLS,
			Address:   cfg.TLSAddr,
			TLSConfig: cfg.TLSConfig,
		})); err != nil {
			return nil, fmt.Errorf("failed to add tls listener: %w", err)
		}
		logger.Info("MQTT listener configured", slog.String("id", ListenerTLS), slog.String("address", cfg.TLSAddr))
		added++
	}

	if cfg.WSAddr != "" {
		if err := broker.AddListener(listeners.NewWebsocket(listeners.Config{
			ID:      ListenerWS,
			Address: cfg.WSAddr,
		})); err != nil {
			return nil, fmt.Errorf("failed to add websocket listener: %w", err)
		}
		logger.Info("MQTT listener configured", slog.String("id", ListenerWS), slog.String("address", cfg.WSAddr))
		added++
	}

	if added == 0 {
		broker.Close()
		return nil, errNoListeners
	}

	return &Server{broker: broker, logger: logger}, nil
}

// Listen serves clients until ctx is done, then closes the broker.
func (s *Server) Listen(ctx context.Context) error {
	if err := s.broker.Serve(); err != nil {
		return fmt.Errorf("failed to start broker: %w", err)
	}

	<-ctx.Done()
	s.logger.Info("MQTT broker shutdown initiated")
	if err := s.broker.Close(); err != nil {
		return err
	}
	s.logger.Info("MQTT broker stopped")
	return nil
}

// Publish sends a message from the broker's inline client. Inline
// publishes bypass the publish check but each delivery is still gated by
// the forward check of its recipient.
func (s *Server) Publish(topic string, payload []byte, retain bool, qos byte) error {
	return s.broker.Publish(topic, payload, retain, qos)
}
