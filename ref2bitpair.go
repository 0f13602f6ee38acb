package main

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strings"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
)

// ref2bitpair converts fasta references into the .3 (ambiguity
// records) and .4 (packed bases) files the reference store loads.
type ref2bitpair struct {
	refFile     string
	projectUUID string
	outputBase  string
	runLocal    bool
}

func (cmd *ref2bitpair) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&cmd.refFile, "ref", "", "reference fasta `file`")
	flags.StringVar(&cmd.projectUUID, "project", "", "project `UUID` for containers and output data")
	flags.StringVar(&cmd.outputBase, "o", "", "output `base` (writes base.3 and base.4)")
	flags.BoolVar(&cmd.runLocal, "local", false, "run on local host (default: run in an arvados container)")
	priority := flags.Int("priority", 500, "container request priority")
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if cmd.refFile == "" {
		err = errors.New("reference data (-ref) not specified")
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	if !cmd.runLocal {
		if cmd.outputBase != "" {
			err = errors.New("cannot specify output base in non-local mode")
			return 2
		}
		runner := arvadosContainerRunner{
			Name:        "seedsearch ref2bitpair",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: cmd.projectUUID,
			RAM:         1 << 30,
			Priority:    *priority,
			VCPUs:       1,
		}
		err = runner.TranslatePaths(&cmd.refFile)
		if err != nil {
			return 1
		}
		runner.Args = []string{"ref2bitpair", "-local=true", "-ref", cmd.refFile, "-o", "/mnt/output/ref"}
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/ref")
		return 0
	}

	if cmd.outputBase == "" {
		err = errors.New("output base (-o) not specified")
		return 2
	}
	f, err := os.Open(cmd.refFile)
	if err != nil {
		return 1
	}
	defer f.Close()
	var in io.Reader = f
	if strings.HasSuffix(cmd.refFile, ".gz") {
		in, err = gzip.NewReader(f)
		if err != nil {
			return 1
		}
	}
	var seqs [][]byte
	var cur []byte
	nseqs := 0
	scanner := bufio.NewScanner(in)
	scanner.Buffer(nil, 64*1024*1024)
	for scanner.Scan() {
		buf := scanner.Bytes()
		if len(buf) > 0 && buf[0] == '>' {
			if nseqs > 0 {
				seqs = append(seqs, cur)
				cur = nil
			}
			nseqs++
		} else {
			for _, b := range bytes.TrimSpace(buf) {
				cur = append(cur, baseCode(b))
			}
		}
	}
	if err = scanner.Err(); err != nil {
		return 1
	}
	if nseqs == 0 {
		err = fmt.Errorf("%s: no sequences found", cmd.refFile)
		return 1
	}
	seqs = append(seqs, cur)

	f3, err := os.OpenFile(cmd.outputBase+".3", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return 1
	}
	defer f3.Close()
	f4, err := os.OpenFile(cmd.outputBase+".4", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return 1
	}
	defer f4.Close()
	err = writeBitPairFiles(f3, f4, seqs)
	if err != nil {
		return 1
	}
	if err = f3.Close(); err != nil {
		return 1
	}
	if err = f4.Close(); err != nil {
		return 1
	}
	log.Printf("wrote %d sequences to %s.3/%s.4", len(seqs), cmd.outputBase, cmd.outputBase)
	return 0
}
