// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/hcomp/daq"
	"github.com/go-lpc/hcomp/run"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Request is a command sent to the control server.
type Request struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Message is a reply to a request or an event pushed by the control
// server. Events carry a non-empty Event field.
type Message struct {
	Name  string          `json:"name,omitempty"`
	Event string          `json:"event,omitempty"`
	Msg   string          `json:"msg,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

const (
	EventTransition = "transition"
	EventChunk      = "chunk"
)

// TransitionEvent is the payload of a transition event.
type TransitionEvent struct {
	ID         uuid.UUID      `json:"id"`
	Transition run.Transition `json:"transition"`
}

// ChunkEvent is the payload of a chunk event.
type ChunkEvent struct {
	RunID    uuid.UUID `json:"run_id"`
	Seq      int       `json:"seq"`
	First    bool      `json:"first"`
	Last     bool      `json:"last"`
	Channels int       `json:"channels"`
	Samples  []float32 `json:"samples"`
	CRC      uint16    `json:"crc"`
}

// Server exposes a Computer over TCP.
type Server struct {
	ctl net.Listener
	c   *Computer
	msg log.MsgStream
}

// Serve serves c on addr until ctx is done.
func Serve(ctx context.Context, addr string, c *Computer) error {
	srv, err := NewServer(addr, c)
	if err != nil {
		return fmt.Errorf("node: could not create server: %w", err)
	}
	return srv.Serve(ctx)
}

// NewServer returns a server listening on addr.
func NewServer(addr string, c *Computer) (*Server, error) {
	ctl, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("node: could not listen on %q: %w", addr, err)
	}
	return &Server{ctl: ctl, c: c, msg: c.msg}, nil
}

// Addr returns the address the server listens on.
func (srv *Server) Addr() net.Addr { return srv.ctl.Addr() }

// Serve accepts connections until ctx is done.
func (srv *Server) Serve(ctx context.Context) error {
	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		<-ctx.Done()
		_ = srv.ctl.Close()
		return nil
	})
	grp.Go(func() error {
		for {
			conn, err := srv.ctl.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("node: could not accept connection: %w", err)
			}
			grp.Go(func() error {
				srv.handle(ctx, conn)
				return nil
			})
		}
	})
	return grp.Wait()
}

// Close stops accepting connections.
func (srv *Server) Close() error {
	return srv.ctl.Close()
}

type session struct {
	c    *Computer
	mu   sync.Mutex
	conn net.Conn
	enc  *json.Encoder
}

func (s *session) send(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(msg)
}

func (s *session) event(name string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("node: could not encode %s event: %w", name, err)
	}
	return s.send(Message{Event: name, Data: raw})
}

func (s *session) Transition(r *run.Run, tr run.Transition) {
	_ = s.event(EventTransition, TransitionEvent{ID: r.ID, Transition: tr})
}

// Stream pushes the chunks of runs requesting streaming.
func (s *session) Stream(chunk daq.Chunk) error {
	if !s.c.streaming(chunk.RunID) {
		return nil
	}
	return s.event(EventChunk, ChunkEvent{
		RunID:    chunk.RunID,
		Seq:      chunk.Seq,
		First:    chunk.First,
		Last:     chunk.Last,
		Channels: chunk.Channels,
		Samples:  chunk.Samples,
		CRC:      chunk.CRC,
	})
}

func (srv *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	srv.msg.Infof("serving %v...", conn.RemoteAddr())
	defer srv.msg.Infof("serving %v... [done]", conn.RemoteAddr())

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	sess := &session{c: srv.c, conn: conn, enc: json.NewEncoder(conn)}
	unsub := srv.c.Subscribe(sess)
	defer unsub()

	dec := json.NewDecoder(conn)
	for {
		var req Request
		err := dec.Decode(&req)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			srv.msg.Errorf("could not decode command request: %+v", err)
			_ = sess.send(Message{Msg: fmt.Sprintf("%+v", err)})
			return
		}
		srv.msg.Debugf("received request: name=%q", req.Name)

		data, err := srv.dispatch(ctx, req)
		rep := Message{Name: req.Name, Msg: "ok", Data: data}
		if err != nil {
			srv.msg.Errorf("could not run %q: %+v", req.Name, err)
			rep.Msg = fmt.Sprintf("%+v", err)
			rep.Data = nil
		}
		err = sess.send(rep)
		if err != nil {
			srv.msg.Errorf("could not send reply: %+v", err)
			return
		}
	}
}

func (srv *Server) dispatch(ctx context.Context, req Request) (json.RawMessage, error) {
	switch strings.ToLower(req.Name) {
	case "reset":
		return nil, srv.c.Reset()

	case "init":
		return nil, srv.c.Init(ctx)

	case "config":
		return nil, srv.c.Configure(req.Args)

	case "get_config":
		return srv.c.Config()

	case "start_run":
		r, err := srv.c.StartRun(req.Args)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			ID uuid.UUID `json:"id"`
		}{r.ID})

	case "halt":
		id, err := runID(req.Args)
		if err != nil {
			return nil, err
		}
		return nil, srv.c.Halt(id)

	case "status":
		if len(req.Args) == 0 {
			return json.Marshal(srv.c.Summary())
		}
		id, err := runID(req.Args)
		if err != nil {
			return nil, err
		}
		st, err := srv.c.Status(id)
		if err != nil {
			return nil, err
		}
		return json.Marshal(st)

	case "sample":
		args := struct {
			Channels int `json:"channels"`
		}{daq.MaxChannels}
		if len(req.Args) > 0 {
			err := json.Unmarshal(req.Args, &args)
			if err != nil {
				return nil, fmt.Errorf("node: could not decode %q payload: %w", req.Name, err)
			}
		}
		vs, err := srv.c.Sample(args.Channels)
		if err != nil {
			return nil, err
		}
		return json.Marshal(vs)

	case "calibrate":
		return nil, srv.c.Calibrate(ctx)

	default:
		return nil, fmt.Errorf("node: unknown command %q", req.Name)
	}
}

func runID(raw json.RawMessage) (uuid.UUID, error) {
	var args struct {
		ID string `json:"id"`
	}
	err := json.Unmarshal(raw, &args)
	if err != nil {
		return uuid.Nil, fmt.Errorf("node: could not decode run id: %w", err)
	}
	id, err := uuid.Parse(args.ID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrNoRunID, args.ID)
	}
	return id, nil
}
