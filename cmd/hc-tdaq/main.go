// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command hc-tdaq starts a TDAQ server exposing a simulated hybrid
// computer.
package main // import "github.com/go-lpc/hcomp/cmd/hc-tdaq"

import (
	"context"
	"log"
	"os"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"
	tlog "github.com/go-daq/tdaq/log"
	"github.com/go-lpc/hcomp/node"
)

func main() {
	cmd := flags.New()

	c, _, err := node.Simulated(0, tlog.NewMsgStream("hc-tdaq", tlog.LvlInfo, os.Stdout))
	if err != nil {
		log.Panicf("could not create computer: %+v", err)
	}
	dev := node.NewTDAQ(c)

	srv := tdaq.New(cmd, os.Stdout)
	srv.CmdHandle("/config", dev.OnConfig)
	srv.CmdHandle("/init", dev.OnInit)
	srv.CmdHandle("/reset", dev.OnReset)
	srv.CmdHandle("/start", dev.OnStart)
	srv.CmdHandle("/stop", dev.OnStop)
	srv.CmdHandle("/quit", dev.OnQuit)

	srv.OutputHandle("/samples", dev.Samples)

	srv.RunHandle(dev.Run)

	err = srv.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}
