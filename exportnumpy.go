package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	"github.com/kshedden/gonpy"
)

// exportNumpy turns a hit stream into a rows×qlen uint16 matrix with a
// 1 at every mismatched position, for downstream stats tooling.
type exportNumpy struct {
	output io.Writer
}

func (cmd *exportNumpy) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	runlocal := flags.Bool("local", false, "run on local host (default: run in an arvados container)")
	projectUUID := flags.String("project", "", "project `UUID` for output data")
	inputFilename := flags.String("i", "", "input `file`")
	outputFilename := flags.String("o", "", "output `file`")
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

	if !*runlocal {
		if *outputFilename != "" {
			err = errors.New("cannot specify output file in container mode: not implemented")
			return 1
		}
		runner := arvadosContainerRunner{
			Name:        "seedsearch export-numpy",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         16000000000,
			VCPUs:       2,
		}
		err = runner.TranslatePaths(inputFilename)
		if err != nil {
			return 1
		}
		runner.Args = []string{"export-numpy", "-local=true", "-i", *inputFilename, "-o", "/mnt/output/mismatches.npy"}
		_, err = runner.Run()
		if err != nil {
			return 1
		}
		return 0
	}

	input := stdin
	if *inputFilename != "" {
		f, err2 := os.Open(*inputFilename)
		if err2 != nil {
			err = err2
			return 1
		}
		defer f.Close()
		input = f
	}
	hits, err := ReadHits(input)
	if err != nil {
		return 1
	}
	cols := 0
	for _, h := range hits {
		if cols < len(h.Seq) {
			cols = len(h.Seq)
		}
	}
	rows := len(hits)
	out := make([]uint16, rows*cols)
	for row, h := range hits {
		for _, p := range h.Mms {
			out[row*cols+int(p)] = 1
		}
	}

	var output io.WriteCloser
	if *outputFilename == "" {
		output = nopCloser{cmd.output}
	} else {
		output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
		if err != nil {
			return 1
		}
		defer output.Close()
	}
	bufw := bufio.NewWriter(output)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return 1
	}
	npw.Shape = []int{rows, cols}
	err = npw.WriteUint16(out)
	if err != nil {
		return 1
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
