// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package telemetry

import (
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/oml-collect/oml/pkg/log"
)

var (
	clientOnce     sync.Once
	clientInstance *Client
)

// Client wraps a NATS connection used to publish event envelopes.
type Client struct {
	conn          *nats.Conn
	subscriptions []*nats.Subscription
	mu            sync.Mutex
}

// Connect initializes the singleton telemetry client from the package-level
// Keys config. A missing address is not an error: telemetry stays disabled
// and every Publish becomes a no-op.
func Connect() {
	clientOnce.Do(func() {
		if Keys.Address == "" {
			return
		}

		client, err := newClient(Keys)
		if err != nil {
			log.Warnf("telemetry: connect failed: %v", err)
			return
		}

		clientInstance = client
	})
}

// GetClient returns the singleton client, or nil if telemetry was never
// configured or the connection attempt failed.
func GetClient() *Client {
	return clientInstance
}

func newClient(cfg Config) (*Client, error) {
	var opts []nats.Option

	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.CredsFilePath != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredsFilePath))
	}

	opts = append(opts, nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
		if err != nil {
			log.Warnf("telemetry: disconnected: %v", err)
		}
	}))
	opts = append(opts, nats.ReconnectHandler(func(nc *nats.Conn) {
		log.Infof("telemetry: reconnected to %s", nc.ConnectedUrl())
	}))

	nc, err := nats.Connect(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to %q: %w", cfg.Address, err)
	}

	log.Infof("telemetry: connected to %s", cfg.Address)
	return &Client{conn: nc}, nil
}

// Publish sends data on subject. A nil receiver (telemetry disabled) is a
// silent no-op so callers never need to check GetClient() != nil themselves.
func (c *Client) Publish(subject string, data []byte) {
	if c == nil || c.conn == nil {
		return
	}
	if err := c.conn.Publish(subject, data); err != nil {
		log.Warnf("telemetry: publish to %q failed: %v", subject, err)
	}
}

// Close flushes and closes the underlying NATS connection.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
	}
}
