package main

import (
	"bufio"
	"encoding/gob"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	_ "net/http/pprof"
)

type filterer struct {
	output io.Writer
}

func (cmd *filterer) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	maxMismatches := flags.Int("max-mismatches", -1, "drop hits with more than `N` mismatches")
	refIdx := flags.Int("ref", -1, "keep only hits on reference `N`")
	fwOnly := flags.Bool("fw-only", false, "drop reverse-complement hits")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	cmd.output = stdout

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	log.Print("reading")
	batches, err := ReadHitBatches(stdin)
	if err != nil {
		return 1
	}
	nhits := 0
	for _, batch := range batches {
		nhits += len(batch.Hits)
	}
	log.Printf("reading done, %d hits in %d batches", nhits, len(batches))

	log.Print("filtering")
	kept := 0
	for i := range batches {
		var hits []ReportedHit
		for _, h := range batches[i].Hits {
			if *maxMismatches >= 0 && len(h.Mms) > *maxMismatches {
				continue
			}
			if *refIdx >= 0 && h.RefIdx != uint32(*refIdx) {
				continue
			}
			if *fwOnly && !h.Fw {
				continue
			}
			hits = append(hits, h)
		}
		batches[i].Hits = hits
		kept += len(hits)
	}
	log.Printf("filtering done, %d hits kept", kept)

	w := bufio.NewWriter(cmd.output)
	enc := gob.NewEncoder(w)
	log.Print("writing")
	for _, batch := range batches {
		err = enc.Encode(batch)
		if err != nil {
			return 1
		}
	}
	log.Print("writing done")
	err = w.Flush()
	if err != nil {
		return 1
	}
	return 0
}
