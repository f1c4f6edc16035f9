// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// hc-dump decodes and displays capture windows stored in LCIO files.
//
// Usage: hc-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]
//
// Example:
//
//	$> hc-dump ./run.lcio
//	=== run 0 event 0 ===
//	Channels:          2
//	Frames:           10
//	Chunks:            3
//	  ch=00 min=-0.5000 max=+0.5000 mean=+0.0000
//	  ch=01 min=+0.2500 max=+0.2500 mean=+0.2500
//	[...]
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"

	"go-hep.org/x/hep/lcio"
)

const collection = "HCOMP_SAMPLES"

const usage = `hc-dump decodes and displays capture windows stored in LCIO files.

Usage: hc-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]

Example:

 $> hc-dump ./run.lcio
 === run 0 event 0 ===
 Channels:          2
 Frames:           10
 Chunks:            3
   ch=00 min=-0.5000 max=+0.5000 mean=+0.0000
   ch=01 min=+0.2500 max=+0.2500 mean=+0.2500
 [...]

`

func main() {
	xmain(os.Stdout, os.Args[1:])
}

func xmain(w io.Writer, args []string) {
	log.SetPrefix("hc-dump: ")
	log.SetFlags(0)

	var (
		fset = flag.NewFlagSet("hc-dump", flag.ExitOnError)

		raw = fset.Bool("raw", false, "display every sample frame")
	)

	fset.Usage = func() {
		fmt.Print(usage)
		fset.PrintDefaults()
	}

	err := fset.Parse(args)
	if err != nil {
		log.Fatalf("could not parse input arguments: %+v", err)
	}

	if fset.NArg() == 0 {
		fset.Usage()
		log.Fatalf("missing path to input LCIO file")
	}

	for _, fname := range fset.Args() {
		err := process(w, fname, *raw)
		if err != nil {
			log.Fatalf("could not dump file %q: %+v", fname, err)
		}
	}
}

func process(w io.Writer, fname string, raw bool) error {
	wbuf := bufio.NewWriter(w)
	defer wbuf.Flush()

	r, err := lcio.Open(fname)
	if err != nil {
		return fmt.Errorf("could not open LCIO file: %w", err)
	}
	defer r.Close()

	for r.Next() {
		evt := r.Event()
		if !evt.Has(collection) {
			continue
		}
		obj, ok := evt.Get(collection).(*lcio.GenericObject)
		if !ok || len(obj.Data) < 2 || len(obj.Data[0].I32s) == 0 {
			return fmt.Errorf("invalid %s collection in run %d event %d",
				collection, evt.RunNumber, evt.EventNumber,
			)
		}
		var (
			nchan   = int(obj.Data[0].I32s[0])
			samples = obj.Data[0].F32s
			chunks  = len(obj.Data[1].I32s)
		)
		if nchan <= 0 || len(samples)%nchan != 0 {
			return fmt.Errorf("invalid window in run %d event %d: %d samples for %d channels",
				evt.RunNumber, evt.EventNumber, len(samples), nchan,
			)
		}
		frames := len(samples) / nchan

		fmt.Fprintf(wbuf, "=== run %d event %d ===\n", evt.RunNumber, evt.EventNumber)
		fmt.Fprintf(wbuf, "Channels: % 10d\n", nchan)
		fmt.Fprintf(wbuf, "Frames:   % 10d\n", frames)
		fmt.Fprintf(wbuf, "Chunks:   % 10d\n", chunks)

		for ch := 0; ch < nchan; ch++ {
			var (
				lo  = math.Inf(+1)
				hi  = math.Inf(-1)
				sum = 0.0
			)
			for i := 0; i < frames; i++ {
				v := float64(samples[i*nchan+ch])
				lo = math.Min(lo, v)
				hi = math.Max(hi, v)
				sum += v
			}
			mean := 0.0
			if frames > 0 {
				mean = sum / float64(frames)
			}
			fmt.Fprintf(wbuf, "  ch=%02d min=%+.4f max=%+.4f mean=%+.4f\n", ch, lo, hi, mean)
		}

		if !raw {
			continue
		}
		for i := 0; i < frames; i++ {
			fmt.Fprintf(wbuf, "  frame=%06d", i)
			for _, v := range samples[i*nchan : (i+1)*nchan] {
				fmt.Fprintf(wbuf, " %+.4f", v)
			}
			fmt.Fprintf(wbuf, "\n")
		}
	}

	return nil
}
