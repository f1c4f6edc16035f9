// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command hc-shell is an interactive client for hc-srv.
//
// Each line holds a command name followed by an optional JSON payload:
//
//	hc> sample {"channels": 2}
//	hc> start_run {"id": "4bb8e4ea-9f3c-4a43-a8f8-3a93c4ab2f0e", "config": {"ic_time": 100000, "op_time": 1000000}}
//	hc> status
package main // import "github.com/go-lpc/hcomp/cmd/hc-shell"

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-lpc/hcomp/node"
	"github.com/peterh/liner"
)

func main() {
	log.SetPrefix("hc-shell: ")
	log.SetFlags(0)

	var (
		addr  = flag.String("addr", "localhost:8877", "address of the hc-srv server")
		quiet = flag.Bool("q", false, "do not display chunk events")
	)

	flag.Parse()

	err := xmain(*addr, *quiet)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func xmain(addr string, quiet bool) error {
	cli, err := node.Dial(addr)
	if err != nil {
		return err
	}
	defer cli.Close()

	go func() {
		for evt := range cli.Events() {
			if quiet && evt.Event == node.EventChunk {
				continue
			}
			fmt.Fprintf(os.Stdout, "\n[%s] %s\n", evt.Event, evt.Data)
		}
	}()

	term := liner.NewLiner()
	defer term.Close()
	term.SetCtrlCAborts(true)

	hist := filepath.Join(os.TempDir(), ".hc-shell.history")
	if f, err := os.Open(hist); err == nil {
		_, _ = term.ReadHistory(f)
		f.Close()
	}
	defer func() {
		f, err := os.Create(hist)
		if err != nil {
			return
		}
		defer f.Close()
		_, _ = term.WriteHistory(f)
	}()

	for {
		line, err := term.Prompt("hc> ")
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
				return nil
			}
			return fmt.Errorf("could not read command: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		term.AppendHistory(line)

		if line == "quit" || line == "exit" {
			return nil
		}

		out, err := eval(cli, line)
		if err != nil {
			fmt.Fprintf(os.Stdout, "error: %v\n", err)
			continue
		}
		if len(out) > 0 {
			fmt.Fprintf(os.Stdout, "%s\n", out)
		}
	}
}

func eval(cli *node.Client, line string) ([]byte, error) {
	name, payload, _ := strings.Cut(line, " ")
	var args interface{}
	if payload = strings.TrimSpace(payload); payload != "" {
		if !json.Valid([]byte(payload)) {
			return nil, fmt.Errorf("invalid JSON payload %q", payload)
		}
		args = json.RawMessage(payload)
	}
	return cli.Send(name, args)
}
