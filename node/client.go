// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package node

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
)

// Client is a connection to a control server.
type Client struct {
	conn net.Conn
	enc  *json.Encoder

	mu      sync.Mutex // serializes requests
	replies chan Message
	events  chan Message
	done    chan struct{}
	err     error
}

// Dial connects to the control server at addr.
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("node: could not dial %q: %w", addr, err)
	}
	cli := &Client{
		conn:    conn,
		enc:     json.NewEncoder(conn),
		replies: make(chan Message),
		events:  make(chan Message, 1024),
		done:    make(chan struct{}),
	}
	go cli.read()
	return cli, nil
}

func (cli *Client) read() {
	defer close(cli.done)
	defer close(cli.events)

	dec := json.NewDecoder(cli.conn)
	for {
		var msg Message
		err := dec.Decode(&msg)
		if err != nil {
			cli.err = err
			return
		}
		if msg.Event == "" {
			cli.replies <- msg
			continue
		}
		select {
		case cli.events <- msg:
		default:
			// slow consumer: drop the event.
		}
	}
}

// Events returns the events pushed by the server.
// The channel is closed when the connection is.
func (cli *Client) Events() <-chan Message { return cli.events }

// Send sends the command name with args and waits for its reply.
func (cli *Client) Send(name string, args interface{}) (json.RawMessage, error) {
	cli.mu.Lock()
	defer cli.mu.Unlock()

	req := Request{Name: name}
	switch args := args.(type) {
	case nil:
	case json.RawMessage:
		req.Args = args
	default:
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("node: could not encode %q payload: %w", name, err)
		}
		req.Args = raw
	}

	err := cli.enc.Encode(req)
	if err != nil {
		return nil, fmt.Errorf("node: could not send %q: %w", name, err)
	}

	select {
	case rep := <-cli.replies:
		if rep.Msg != "ok" {
			return nil, errors.New(rep.Msg)
		}
		return rep.Data, nil
	case <-cli.done:
		return nil, fmt.Errorf("node: connection lost: %w", cli.err)
	}
}

// Close closes the connection.
func (cli *Client) Close() error {
	return cli.conn.Close()
}
