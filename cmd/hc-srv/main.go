// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command hc-srv serves a hybrid computer over TCP.
//
// Usage:
//
//	$> hc-srv -sim -addr :8877
//	$> hc-srv -devmem /dev/mem -base 0xff200000 -spi SPI0.0 -db hcomp
//	$> hc-srv -pins GPIO4,GPIO5,[...],GPIO19 -enable GPIO20 -spi SPI0.0
package main // import "github.com/go-lpc/hcomp/cmd/hc-srv"

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	tlog "github.com/go-daq/tdaq/log"
	"github.com/go-lpc/hcomp"
	"github.com/go-lpc/hcomp/bus"
	"github.com/go-lpc/hcomp/cluster"
	"github.com/go-lpc/hcomp/conddb"
	"github.com/go-lpc/hcomp/daq"
	"github.com/go-lpc/hcomp/internal/eui"
	"github.com/go-lpc/hcomp/internal/mmap"
	"github.com/go-lpc/hcomp/internal/sim"
	"github.com/go-lpc/hcomp/node"
	"github.com/go-lpc/hcomp/run"
	"github.com/sbinet/pmon"
	"golang.org/x/sync/errgroup"
	mail "gopkg.in/gomail.v2"
	"periph.io/x/host/v3"
)

func main() {
	log.SetPrefix("hc-srv: ")
	log.SetFlags(0)

	var (
		addr   = flag.String("addr", ":8877", "[ip]:port to listen on")
		doSim  = flag.Bool("sim", false, "run with a simulated carrier")
		board  = flag.Uint("board", 0, "board address of the carrier")
		devmem = flag.String("devmem", "/dev/mem", "path to the memory device of the bus registers")
		base   = flag.String("base", "0xff200000", "physical address of the bus registers")
		spi    = flag.String("spi", "", "name of the SPI port of the bus")
		pins   = flag.String("pins", "", "comma-separated GPIO names of the bus address lines, LSB first (empty to use -devmem)")
		enable = flag.String("enable", "", "GPIO name of the active-low bus enable line")
		smbus  = flag.Int("eeprom", -1, "SMBus of the carrier identity EEPROM (-1 to disable)")
		dbname = flag.String("db", "", "name of the condition database (empty to disable)")
		ofile  = flag.String("lcio", "", "path to an LCIO file where to store acquired samples")
		lvl    = flag.String("lvl", "info", "message level (debug, info, warn, error)")
		doMon  = flag.Bool("pmon", false, "enable pmon monitoring")
		freq   = flag.Duration("freq", 1*time.Second, "pmon frequency")
		alert  = flag.Bool("alert", false, "send a mail alert when a run fails")
	)

	flag.Parse()

	if *doMon {
		stop, err := monitor(*freq)
		if err != nil {
			log.Fatalf("could not start monitoring: %+v", err)
		}
		defer stop()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	err := xmain(ctx, config{
		addr:   *addr,
		sim:    *doSim,
		board:  uint8(*board),
		devmem: *devmem,
		base:   *base,
		spi:    *spi,
		pins:   *pins,
		enable: *enable,
		eeprom: *smbus,
		db:     *dbname,
		lcio:   *ofile,
		lvl:    *lvl,
		alert:  *alert,
	})
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

type config struct {
	addr   string
	sim    bool
	board  uint8
	devmem string
	base   string
	spi    string
	pins   string
	enable string
	eeprom int
	db     string
	lcio   string
	lvl    string
	alert  bool
}

func xmain(ctx context.Context, cfg config) error {
	version, _ := hcomp.Version()
	log.Printf("hc-srv %s", version)

	msg := tlog.NewMsgStream("hc-srv", level(cfg.lvl), os.Stdout)

	var opts []node.ComputerOption
	if cfg.db != "" {
		db, err := conddb.Open(cfg.db)
		if err != nil {
			return fmt.Errorf("could not open condition database: %w", err)
		}
		defer db.Close()
		opts = append(opts, node.WithDB(db))
	}
	if cfg.alert {
		opts = append(opts, node.WithRunObserver(alertOnError))
	}

	if cfg.eeprom >= 0 {
		id, err := eui.Load(cfg.eeprom)
		if err != nil {
			return fmt.Errorf("could not read carrier identity: %w", err)
		}
		log.Printf("carrier: %v", id)
	}

	var (
		c   *node.Computer
		err error
	)
	switch {
	case cfg.sim:
		c, _, err = node.Simulated(cfg.board, msg, opts...)
	default:
		c, err = newHardware(cfg, msg, opts...)
	}
	if err != nil {
		return fmt.Errorf("could not create computer: %w", err)
	}

	if cfg.lcio != "" {
		w, err := daq.CreateLCIO(cfg.lcio)
		if err != nil {
			return fmt.Errorf("could not create LCIO output: %w", err)
		}
		defer func() {
			err := w.Close()
			if err != nil {
				log.Printf("could not close LCIO output: %+v", err)
			}
		}()
		defer c.Subscribe(node.Streamer(w))()
	}

	err = c.Init(ctx)
	if err != nil {
		return fmt.Errorf("could not initialize computer: %w", err)
	}

	srv, err := node.NewServer(cfg.addr, c)
	if err != nil {
		return err
	}
	log.Printf("serving on %v...", srv.Addr())

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return srv.Serve(ctx) })
	grp.Go(func() error {
		err := c.Loop(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
	return grp.Wait()
}

// newHardware creates a computer driving the carrier through GPIO pins or
// memory-mapped bus registers. Runs are timed by a software sequencer.
func newHardware(cfg config, msg tlog.MsgStream, opts ...node.ComputerOption) (*node.Computer, error) {
	var (
		lines bus.Lines
		err   error
	)
	switch {
	case cfg.pins != "":
		lines, err = pinLines(cfg)
	default:
		lines, err = memLines(cfg)
	}
	if err != nil {
		return nil, err
	}
	var (
		b   = bus.New(lines, bus.WithLogger(msg))
		car = cluster.NewCarrier(b, cfg.board, cluster.WithLogger(msg))
	)
	opts = append([]node.ComputerOption{node.WithLogger(msg)}, opts...)
	return node.NewComputer(car, nil, sim.NewSequencer(), opts...)
}

func memLines(cfg config) (*bus.MemLines, error) {
	base, err := strconv.ParseInt(cfg.base, 0, 64)
	if err != nil {
		return nil, fmt.Errorf("could not parse register base %q: %w", cfg.base, err)
	}
	regs, err := mmap.Open(cfg.devmem, base, 4096)
	if err != nil {
		return nil, fmt.Errorf("could not map bus registers: %w", err)
	}
	lines, err := bus.NewMemLines(regs, &bus.Registry{Name: cfg.spi})
	if err != nil {
		return nil, fmt.Errorf("could not create bus lines: %w", err)
	}
	return lines, nil
}

func pinLines(cfg config) (*bus.PinLines, error) {
	_, err := host.Init()
	if err != nil {
		return nil, fmt.Errorf("could not initialize periph host drivers: %w", err)
	}
	addr, en, err := bus.LookupPins(strings.Split(cfg.pins, ","), cfg.enable)
	if err != nil {
		return nil, fmt.Errorf("could not find bus pins: %w", err)
	}
	lines, err := bus.NewPinLines(addr, en, &bus.Registry{Name: cfg.spi})
	if err != nil {
		return nil, fmt.Errorf("could not create bus lines: %w", err)
	}
	return lines, nil
}

func level(name string) tlog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return tlog.LvlDebug
	case "warn", "warning":
		return tlog.LvlWarning
	case "error":
		return tlog.LvlError
	default:
		return tlog.LvlInfo
	}
}

func monitor(freq time.Duration) (func(), error) {
	p, err := pmon.Monitor(os.Getpid())
	if err != nil {
		return nil, fmt.Errorf("could not start monitoring (pid=%d): %w", os.Getpid(), err)
	}
	f, err := os.Create("hc-srv-pmon.log")
	if err != nil {
		return nil, fmt.Errorf("could not create pmon log file: %w", err)
	}
	p.W = f
	p.Freq = freq

	go func() {
		log.Printf("run pmon...")
		err := p.Run()
		if err != nil {
			log.Printf("could not run monitoring: %+v", err)
		}
	}()

	return func() {
		err := p.Kill()
		if err != nil {
			log.Printf("could not stop monitoring: %+v", err)
		}
		_ = f.Close()
	}, nil
}

var (
	alertMailUsr  = os.Getenv("MAIL_USERNAME")
	alertMailPwd  = os.Getenv("MAIL_PASSWORD")
	alertMailSrv  = os.Getenv("MAIL_SERVER")
	alertMailPort = atoi(os.Getenv("MAIL_PORT"))
	alertMailTgts = strings.Split(os.Getenv("MAIL_TGTS"), ",")
)

func alertOnError(r *run.Run, tr run.Transition) {
	if tr.To != run.StateError {
		return
	}
	if alertMailUsr == "" || alertMailPwd == "" ||
		alertMailSrv == "" || alertMailPort == 0 ||
		len(alertMailTgts) == 0 {
		log.Printf("could not send mail alert: missing credentials")
		return
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", alertMailUsr)
	msg.SetHeader("Bcc", alertMailTgts...)
	msg.SetHeader("Subject", fmt.Sprintf("[hc-srv] run %v failed", r.ID))
	msg.SetBody("text/plain", fmt.Sprintf("run: %v\nfrom: %v\ntime: %v\nerror: %v",
		r.ID, tr.From, tr.Time.Format(time.RFC3339), r.Err(),
	))

	dial := mail.NewDialer(alertMailSrv, alertMailPort, alertMailUsr, alertMailPwd)
	dial.TLSConfig = &tls.Config{
		InsecureSkipVerify: true,
	}
	go func() {
		err := dial.DialAndSend(msg)
		if err != nil {
			log.Printf("could not send mail alert: %+v", err)
		}
	}()
}

func atoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}
