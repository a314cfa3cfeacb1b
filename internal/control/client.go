// Copyright 2026 The Otpclip Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// Client talks to a running daemon's control socket.
type Client struct {
	path    string
	timeout time.Duration
}

// NewClient returns a client for the socket at path.
func NewClient(path string) *Client {
	return &Client{path: path, timeout: requestTimeout}
}

// Do performs one request/response cycle.
func (c *Client) Do(request Request) (Response, error) {
	conn, err := net.DialTimeout("unix", c.path, c.timeout)
	if err != nil {
		return Response{}, fmt.Errorf("connecting to otpclip at %s: %w", c.path, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.timeout))

	if err := writeFrame(conn, request); err != nil {
		return Response{}, err
	}
	var response Response
	if err := readFrame(conn, &response); err != nil {
		return Response{}, err
	}
	return response, nil
}

// Ping checks whether a live daemon answers on the socket.
func (c *Client) Ping() error {
	response, err := c.Do(Request{Op: OpPing})
	if err != nil {
		return err
	}
	if !response.OK {
		return errors.New("control: ping refused")
	}
	return nil
}
