package main

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/gob"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

type searcher struct {
	refFile     string
	outputFile  string
	projectUUID string
	runLocal    bool

	unrevOff    int
	oneRevOff   int
	twoRevOff   int
	qualThresh  int
	halfAndHalf bool
	seedlings   int
	seed        int64
	oracle      bool
	ftabChars   int
}

type readSeq struct {
	name string
	seq  []byte // acgt letters
	qual []byte // phred+33, nil for fasta input
}

func (cmd *searcher) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&cmd.refFile, "ref", "", "reference fasta `file`, or bit-pair `base` (base.3/base.4)")
	flags.StringVar(&cmd.outputFile, "o", "-", "output `file`")
	flags.StringVar(&cmd.projectUUID, "project", "", "project `UUID` for output data")
	flags.BoolVar(&cmd.runLocal, "local", false, "run on local host (default: run in an arvados container)")
	flags.IntVar(&cmd.unrevOff, "unrev-off", 0, "depths below `N` admit no mismatch")
	flags.IntVar(&cmd.oneRevOff, "one-rev-off", 0, "depths below `N` admit at most one mismatch")
	flags.IntVar(&cmd.twoRevOff, "two-rev-off", 0, "depths below `N` admit at most two mismatches")
	flags.IntVar(&cmd.qualThresh, "qual-thresh", 70, "max sum of qualities at mismatched positions")
	flags.BoolVar(&cmd.halfAndHalf, "half-and-half", false, "require exactly one mismatch in each seed half")
	flags.IntVar(&cmd.seedlings, "seedlings", 0, "report seedlings up to `N` mismatches instead of hits")
	flags.Int64Var(&cmd.seed, "seed", 0, "PRNG seed")
	flags.BoolVar(&cmd.oracle, "oracle", false, "cross-check every outcome against the naive oracle")
	flags.IntVar(&cmd.ftabChars, "ftab-chars", 4, "index prefix-lookup width")
	priority := flags.Int("priority", 500, "container request priority")
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if cmd.refFile == "" {
		err = errors.New("cannot search without -ref argument")
		return 2
	} else if flags.NArg() == 0 {
		flags.Usage()
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	if !cmd.runLocal {
		runner := arvadosContainerRunner{
			Name:        "seedsearch search",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: cmd.projectUUID,
			RAM:         16000000000,
			VCPUs:       16,
			Priority:    *priority,
		}
		err = runner.TranslatePaths(&cmd.refFile)
		if err != nil {
			return 1
		}
		inputs := flags.Args()
		for i := range inputs {
			err = runner.TranslatePaths(&inputs[i])
			if err != nil {
				return 1
			}
		}
		if cmd.outputFile != "-" {
			err = errors.New("cannot specify output file in container mode: not implemented")
			return 1
		}
		cmd.outputFile = "/mnt/output/hits.gob"
		runner.Args = append([]string{"search", "-local=true",
			"-ref", cmd.refFile,
			"-unrev-off", fmt.Sprint(cmd.unrevOff),
			"-one-rev-off", fmt.Sprint(cmd.oneRevOff),
			"-two-rev-off", fmt.Sprint(cmd.twoRevOff),
			"-qual-thresh", fmt.Sprint(cmd.qualThresh),
			"-half-and-half=" + fmt.Sprint(cmd.halfAndHalf),
			"-seedlings", fmt.Sprint(cmd.seedlings),
			"-seed", fmt.Sprint(cmd.seed),
			"-o", cmd.outputFile,
		}, inputs...)
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/hits.gob")
		return 0
	}

	names, texts, err := cmd.loadReferences()
	if err != nil {
		return 1
	}
	log.Printf("building index over %d references", len(texts))
	ix := newEbwt(texts, cmd.ftabChars)
	digest := refSetDigest(names, texts)
	log.Printf("index done, reference digest %x", digest[:8])

	var reads []readSeq
	for _, infile := range flags.Args() {
		var batch []readSeq
		batch, err = readSequenceFile(infile)
		if err != nil {
			return 1
		}
		reads = append(reads, batch...)
	}
	log.Printf("%d reads loaded", len(reads))

	batch := HitBatch{RefDigest: digest}
	hits := make([]*ReportedHit, len(reads))
	sdlns := make([]*SeedlingRecord, len(reads))
	var otexts [][]byte
	if cmd.oracle {
		otexts = texts
	}
	todo := make(chan int, len(reads))
	errs := make(chan error, 1)
	var wg sync.WaitGroup
	starttime := time.Now()
	nworkers := runtime.NumCPU()*9/8 + 1
	for w := 0; w < nworkers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			sink := &hitSink{}
			params := &searchParams{sink: sink, ebwtFw: ix.fw()}
			bt, err := newBacktracker(ix, params, backtrackerOpts{
				unrevOff:        cmd.unrevOff,
				oneRevOff:       cmd.oneRevOff,
				twoRevOff:       cmd.twoRevOff,
				qualThresh:      cmd.qualThresh,
				halfAndHalf:     cmd.halfAndHalf,
				reportSeedlings: cmd.seedlings,
				oneHit:          true,
				seed:            cmd.seed + int64(w),
				os:              otexts,
			})
			if err != nil {
				select {
				case errs <- err:
				default:
				}
				return
			}
			for idx := range todo {
				if len(errs) > 0 {
					return
				}
				hits[idx], sdlns[idx] = cmd.searchOne(bt, params, uint32(idx), reads[idx])
			}
		}()
	}
	for idx := range reads {
		todo <- idx
	}
	close(todo)
	wg.Wait()
	go close(errs)
	if err = <-errs; err != nil {
		return 1
	}
	nAligned := 0
	for _, h := range hits {
		if h != nil {
			batch.Hits = append(batch.Hits, *h)
			nAligned++
		}
	}
	for _, s := range sdlns {
		if s != nil {
			batch.Seedlings = append(batch.Seedlings, *s)
		}
	}
	log.Printf("%d/%d reads aligned in %v", nAligned, len(reads), time.Since(starttime))

	var output io.WriteCloser
	if cmd.outputFile == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(cmd.outputFile, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
		if err != nil {
			return 1
		}
		defer output.Close()
	}
	bufw := bufio.NewWriter(output)
	err = gob.NewEncoder(bufw).Encode(batch)
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

// searchOne aligns one read, trying the forward strand first and the
// reverse complement second, and converts the sink's hit (or the
// seedling stream) to its external form.
func (cmd *searcher) searchOne(bt *backtracker, params *searchParams, patID uint32, rd readSeq) (*ReportedHit, *SeedlingRecord) {
	codes, quals, ok := encodeRead(rd)
	if !ok {
		return nil, nil
	}
	params.patID = patID
	params.fw = true
	if err := bt.setQuery(codes, quals, rd.name, nil); err != nil {
		log.Warnf("%s: %s", rd.name, err)
		return nil, nil
	}
	found := bt.backtrack(0)
	if cmd.seedlings > 0 {
		data := bt.takeSeedlings()
		if len(data) == 0 {
			return nil, nil
		}
		return nil, &SeedlingRecord{Name: rd.name, Data: data}
	}
	if !found {
		rc := make([]byte, len(codes))
		for i := range codes {
			rc[i] = 3 - codes[len(codes)-1-i]
		}
		var rq []byte
		if quals != nil {
			rq = make([]byte, len(quals))
			for i := range quals {
				rq[i] = quals[len(quals)-1-i]
			}
		}
		params.fw = false
		if err := bt.setQuery(rc, rq, rd.name, nil); err != nil {
			return nil, nil
		}
		found = bt.backtrack(0)
	}
	if !found || !params.sink.hasLast {
		return nil, nil
	}
	h := params.sink.last
	rh := &ReportedHit{
		Name:   h.name,
		PatID:  h.patID,
		RefIdx: h.h.tidx,
		RefOff: h.h.toff,
		Fw:     h.fw,
		Seq:    []byte(decodeBases(h.seq)),
		Quals:  h.quals,
	}
	for p := 0; p < len(h.seq); p++ {
		if h.mms&(1<<uint(p)) != 0 {
			rh.Mms = append(rh.Mms, uint32(p))
		}
	}
	return rh, nil
}

// encodeRead converts letters to base codes and normalizes qualities.
// Reads with other than acgt letters are skipped.
func encodeRead(rd readSeq) (codes, quals []byte, ok bool) {
	if len(rd.seq) == 0 || len(rd.seq) > maxReadLen {
		log.Warnf("%s: read length %d out of range, skipping", rd.name, len(rd.seq))
		return nil, nil, false
	}
	codes = make([]byte, len(rd.seq))
	for i, b := range rd.seq {
		c := baseCode(b)
		if c > 3 {
			log.Warnf("%s: non-acgt base %q, skipping", rd.name, b)
			return nil, nil, false
		}
		codes[i] = c
	}
	if rd.qual == nil {
		return codes, nil, true
	}
	quals = make([]byte, len(rd.qual))
	for i, q := range rd.qual {
		if q < 33 {
			log.Warnf("%s: quality %d below 33, skipping", rd.name, q)
			return nil, nil, false
		}
		if q > 73 {
			q = 73
		}
		quals[i] = q
	}
	return codes, quals, true
}

// loadReferences reads the reference set either from a fasta file or,
// when refFile+".3" exists, from the bit-pair record files.  Ambiguous
// bases are aliased to 'a' for the in-memory index (and the oracle,
// which must agree with it).
func (cmd *searcher) loadReferences() ([]string, [][]byte, error) {
	if _, err := os.Stat(cmd.refFile + ".3"); err == nil {
		ref, err := loadBitPairReference(cmd.refFile)
		if err != nil {
			return nil, nil, err
		}
		var names []string
		var texts [][]byte
		ambig := 0
		for i := 0; i < ref.numRefs(); i++ {
			t := make([]byte, ref.approxLen(i))
			ref.stretch(t, uint32(i), 0)
			for j, c := range t {
				if c > 3 {
					t[j] = 0
					ambig++
				}
			}
			names = append(names, fmt.Sprintf("%s:%d", cmd.refFile, i))
			texts = append(texts, t)
		}
		if ambig > 0 {
			log.Warnf("aliased %d ambiguous reference bases to 'a' for the in-memory index", ambig)
		}
		return names, texts, nil
	}
	f, err := os.Open(cmd.refFile)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	var in io.Reader = f
	if strings.HasSuffix(cmd.refFile, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, nil, err
		}
		defer gz.Close()
		in = gz
	}
	var names []string
	var texts [][]byte
	var cur []byte
	ambig := 0
	flush := func() {
		if len(names) > 0 {
			texts = append(texts, cur)
		}
		cur = nil
	}
	scanner := bufio.NewScanner(in)
	scanner.Buffer(nil, 64*1024*1024)
	for scanner.Scan() {
		buf := scanner.Bytes()
		if len(buf) > 0 && buf[0] == '>' {
			flush()
			names = append(names, strings.TrimSpace(string(buf[1:])))
		} else {
			for _, b := range bytes.TrimSpace(buf) {
				c := baseCode(b)
				if c > 3 {
					c = 0
					ambig++
				}
				cur = append(cur, c)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	flush()
	if len(names) == 0 {
		return nil, nil, fmt.Errorf("%s: no sequences found", cmd.refFile)
	}
	if ambig > 0 {
		log.Warnf("aliased %d ambiguous reference bases to 'a' for the in-memory index", ambig)
	}
	return names, texts, nil
}

// readSequenceFile loads reads from a fasta or fastq file, gzipped or
// not.
func readSequenceFile(path string) ([]readSeq, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var in io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		in = gz
	}
	br := bufio.NewReader(in)
	first, err := br.Peek(1)
	if err != nil {
		return nil, fmt.Errorf("%s: %s", path, err)
	}
	switch first[0] {
	case '@':
		return readFastq(br, path)
	case '>':
		return readFasta(br, path)
	}
	return nil, fmt.Errorf("%s: unrecognized format (starts with %q)", path, first[0])
}

func readFasta(in io.Reader, path string) ([]readSeq, error) {
	var reads []readSeq
	var cur readSeq
	flush := func() {
		if cur.name != "" || len(cur.seq) > 0 {
			reads = append(reads, cur)
		}
	}
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		buf := scanner.Bytes()
		if len(buf) > 0 && buf[0] == '>' {
			flush()
			cur = readSeq{name: strings.TrimSpace(string(buf[1:]))}
		} else {
			cur.seq = append(cur.seq, bytes.TrimSpace(buf)...)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: %s", path, err)
	}
	flush()
	return reads, nil
}

func readFastq(in io.Reader, path string) ([]readSeq, error) {
	var reads []readSeq
	scanner := bufio.NewScanner(in)
	line := 0
	var cur readSeq
	for scanner.Scan() {
		buf := bytes.TrimSpace(scanner.Bytes())
		switch line & 3 {
		case 0:
			if len(buf) == 0 || buf[0] != '@' {
				return nil, fmt.Errorf("%s: line %d: expected @name", path, line+1)
			}
			cur = readSeq{name: string(buf[1:])}
		case 1:
			cur.seq = append([]byte(nil), buf...)
		case 2:
			if len(buf) == 0 || buf[0] != '+' {
				return nil, fmt.Errorf("%s: line %d: expected +", path, line+1)
			}
		case 3:
			if len(buf) != len(cur.seq) {
				return nil, fmt.Errorf("%s: line %d: %d quality values for %d bases", path, line+1, len(buf), len(cur.seq))
			}
			cur.qual = append([]byte(nil), buf...)
			reads = append(reads, cur)
		}
		line++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: %s", path, err)
	}
	if line&3 != 0 {
		return nil, fmt.Errorf("%s: truncated fastq record at end of file", path)
	}
	return reads, nil
}

func refSetDigest(names []string, texts [][]byte) [blake2b.Size256]byte {
	h, _ := blake2b.New256(nil)
	for i, t := range texts {
		h.Write([]byte(names[i]))
		h.Write([]byte{0})
		h.Write(t)
		h.Write([]byte{0})
	}
	var d [blake2b.Size256]byte
	h.Sum(d[:0])
	return d
}
