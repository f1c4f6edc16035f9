// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package node

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-daq/tdaq"
	"github.com/go-lpc/hcomp/daq"
	"github.com/go-lpc/hcomp/run"
	"github.com/google/uuid"
)

// TDAQ exposes a Computer as a tdaq node.
//
// The body of /config holds a JSON document with the carrier
// configuration and the run template:
//
//	{"carrier": {...}, "run": {"config": {...}, "daq_config": {...}}}
//
// Each /start queues a run built from the template, /stop halts it.
// The acquired chunks are published on /samples.
type TDAQ struct {
	c *Computer

	mu    sync.Mutex
	tmpl  json.RawMessage
	cur   *run.Run
	unsub func()
	data  chan daq.Chunk
}

// NewTDAQ returns a tdaq node driving c.
func NewTDAQ(c *Computer) *TDAQ {
	return &TDAQ{c: c, data: make(chan daq.Chunk, 1024)}
}

// Transition implements Subscriber.
func (dev *TDAQ) Transition(r *run.Run, tr run.Transition) {}

// Stream queues chunk for publication. Chunks are dropped when no
// consumer keeps up.
func (dev *TDAQ) Stream(chunk daq.Chunk) error {
	select {
	case dev.data <- chunk:
	default:
	}
	return nil
}

func (dev *TDAQ) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")
	var doc struct {
		Carrier json.RawMessage `json:"carrier"`
		Run     json.RawMessage `json:"run"`
	}
	dec := json.NewDecoder(bytes.NewReader(req.Body))
	dec.DisallowUnknownFields()
	err := dec.Decode(&doc)
	if err != nil {
		ctx.Msg.Errorf("could not decode configuration: %+v", err)
		return fmt.Errorf("could not decode configuration: %w", err)
	}

	if len(doc.Carrier) > 0 {
		err = dev.c.Configure(doc.Carrier)
		if err != nil {
			ctx.Msg.Errorf("could not configure carrier: %+v", err)
			return fmt.Errorf("could not configure carrier: %w", err)
		}
	}

	if len(doc.Run) > 0 {
		// validate the template with a throw-away id.
		_, err = dev.newRun(doc.Run)
		if err != nil {
			ctx.Msg.Errorf("could not decode run template: %+v", err)
			return fmt.Errorf("could not decode run template: %w", err)
		}
	}

	dev.mu.Lock()
	dev.tmpl = doc.Run
	dev.mu.Unlock()
	return nil
}

func (dev *TDAQ) newRun(tmpl json.RawMessage) (*run.Run, error) {
	var doc map[string]json.RawMessage
	if len(tmpl) > 0 {
		err := json.Unmarshal(tmpl, &doc)
		if err != nil {
			return nil, err
		}
	}
	if doc == nil {
		doc = make(map[string]json.RawMessage)
	}
	id, err := json.Marshal(uuid.NewString())
	if err != nil {
		return nil, err
	}
	doc["id"] = id
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return run.FromDocument(raw)
}

func (dev *TDAQ) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")
	err := dev.c.Init(ctx.Ctx)
	if err != nil {
		ctx.Msg.Errorf("could not initialize computer: %+v", err)
		return fmt.Errorf("could not initialize computer: %w", err)
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.unsub == nil {
		dev.unsub = dev.c.Subscribe(dev)
	}
	return nil
}

func (dev *TDAQ) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	err := dev.c.Reset()
	if err != nil {
		ctx.Msg.Errorf("could not reset computer: %+v", err)
		return fmt.Errorf("could not reset computer: %w", err)
	}
	return nil
}

func (dev *TDAQ) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	dev.mu.Lock()
	defer dev.mu.Unlock()

	r, err := dev.newRun(dev.tmpl)
	if err != nil {
		return fmt.Errorf("could not create run: %w", err)
	}
	err = dev.c.Queue(r)
	if err != nil {
		ctx.Msg.Errorf("could not queue run %v: %+v", r.ID, err)
		return fmt.Errorf("could not queue run %v: %w", r.ID, err)
	}
	dev.cur = r
	resp.Body = []byte(r.ID.String())
	return nil
}

func (dev *TDAQ) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	dev.mu.Lock()
	r := dev.cur
	dev.cur = nil
	dev.mu.Unlock()

	if r == nil {
		ctx.Msg.Debugf("received /stop command... (no run)")
		return nil
	}
	ctx.Msg.Debugf("received /stop command... -> run=%v (%v)", r.ID, r.State())
	if r.State().Terminal() {
		return nil
	}
	err := dev.c.Halt(r.ID)
	if err != nil {
		ctx.Msg.Errorf("could not halt run %v: %+v", r.ID, err)
		return fmt.Errorf("could not halt run %v: %w", r.ID, err)
	}
	return nil
}

func (dev *TDAQ) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.unsub != nil {
		dev.unsub()
		dev.unsub = nil
	}
	return nil
}

// Samples publishes the acquired chunks.
func (dev *TDAQ) Samples(ctx tdaq.Context, dst *tdaq.Frame) error {
	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
		return nil
	case chunk := <-dev.data:
		body, err := EncodeChunk(chunk)
		if err != nil {
			return fmt.Errorf("could not encode chunk: %w", err)
		}
		dst.Body = body
	}
	return nil
}

// Run processes the queued runs until the node is stopped.
func (dev *TDAQ) Run(ctx tdaq.Context) error {
	err := dev.c.Loop(ctx.Ctx)
	if err != nil && ctx.Ctx.Err() == nil {
		return err
	}
	return nil
}

// EncodeChunk encodes chunk in the tdaq binary format.
func EncodeChunk(chunk daq.Chunk) ([]byte, error) {
	var (
		buf   = new(bytes.Buffer)
		enc   = tdaq.NewEncoder(buf)
		flags uint32
	)
	if chunk.First {
		flags |= 1
	}
	if chunk.Last {
		flags |= 2
	}
	enc.WriteStr(chunk.RunID.String())
	enc.WriteU32(uint32(chunk.Seq))
	enc.WriteU32(flags)
	enc.WriteU32(uint32(chunk.Channels))
	enc.WriteU32(uint32(chunk.CRC))
	enc.WriteU32(uint32(len(chunk.Samples)))
	for _, v := range chunk.Samples {
		enc.WriteF32(v)
	}
	if err := enc.Err(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeChunk decodes a chunk encoded with EncodeChunk.
func DecodeChunk(p []byte) (daq.Chunk, error) {
	var (
		chunk daq.Chunk
		dec   = tdaq.NewDecoder(bytes.NewReader(p))
	)
	id := dec.ReadStr()
	chunk.Seq = int(dec.ReadU32())
	flags := dec.ReadU32()
	chunk.Channels = int(dec.ReadU32())
	chunk.CRC = uint16(dec.ReadU32())
	n := int(dec.ReadU32())
	if err := dec.Err(); err != nil {
		return chunk, fmt.Errorf("node: could not decode chunk header: %w", err)
	}
	chunk.Samples = make([]float32, n)
	for i := range chunk.Samples {
		chunk.Samples[i] = dec.ReadF32()
	}
	if err := dec.Err(); err != nil {
		return chunk, fmt.Errorf("node: could not decode chunk samples: %w", err)
	}

	var err error
	chunk.RunID, err = uuid.Parse(id)
	if err != nil {
		return chunk, fmt.Errorf("node: could not decode chunk run id: %w", err)
	}
	chunk.First = flags&1 != 0
	chunk.Last = flags&2 != 0
	return chunk, nil
}
