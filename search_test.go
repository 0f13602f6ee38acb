package main

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/kshedden/gonpy"
	"gopkg.in/check.v1"
)

type searchSuite struct{}

var _ = check.Suite(&searchSuite{})

const testRefFasta = `>chr1
ACGTACGTTTACCGGTAA
>chr2
TTTTCCCCGGGGAAAA
`

const testReadsFastq = `@r1
ACGTACGT
+
IIIIIIII
@r2
TTACAGGT
+
IIIIIIII
@r3
AAACGTAC
+
IIIIIIII
@r4
GGGGGGGG
+
IIIIIIII
`

func (s *searchSuite) writeInputs(c *check.C) (string, string) {
	tempdir := c.MkDir()
	ref := filepath.Join(tempdir, "ref.fasta")
	reads := filepath.Join(tempdir, "reads.fastq")
	c.Assert(ioutil.WriteFile(ref, []byte(testRefFasta), 0666), check.IsNil)
	c.Assert(ioutil.WriteFile(reads, []byte(testReadsFastq), 0666), check.IsNil)
	return ref, reads
}

func (s *searchSuite) runSearch(c *check.C, args ...string) *bytes.Buffer {
	var output bytes.Buffer
	exited := (&searcher{}).RunCommand("search", args, &bytes.Buffer{}, &output, os.Stderr)
	c.Assert(exited, check.Equals, 0)
	return &output
}

func (s *searchSuite) TestSearchEndToEnd(c *check.C) {
	ref, reads := s.writeInputs(c)
	output := s.runSearch(c,
		"-local=true", "-ref", ref, "-oracle",
		"-unrev-off", "0", "-one-rev-off", "0", "-two-rev-off", "0",
		reads)
	hits, err := ReadHits(output)
	c.Assert(err, check.IsNil)
	c.Assert(len(hits), check.Equals, 3)

	byName := map[string]ReportedHit{}
	for _, h := range hits {
		byName[h.Name] = h
	}
	// r1: exact forward hit on chr1.
	h := byName["r1"]
	c.Check(h.RefIdx, check.Equals, uint32(0))
	c.Check(h.RefOff, check.Equals, uint32(0))
	c.Check(h.Fw, check.Equals, true)
	c.Check(len(h.Mms), check.Equals, 0)
	c.Check(string(h.Seq), check.Equals, "acgtacgt")

	// r2: chr1 offset 8 with one mismatch at read offset 4.
	h = byName["r2"]
	c.Check(h.RefIdx, check.Equals, uint32(0))
	c.Check(h.RefOff, check.Equals, uint32(8))
	c.Check(h.Fw, check.Equals, true)
	c.Check(h.Mms, check.DeepEquals, []uint32{4})

	// r3: reverse-complement hit at chr1 offset 2.
	h = byName["r3"]
	c.Check(h.RefIdx, check.Equals, uint32(0))
	c.Check(h.RefOff, check.Equals, uint32(2))
	c.Check(h.Fw, check.Equals, false)

	// r4 aligns nowhere.
	_, found := byName["r4"]
	c.Check(found, check.Equals, false)
}

func (s *searchSuite) TestSearchBitPairReference(c *check.C) {
	ref, reads := s.writeInputs(c)
	base := filepath.Join(filepath.Dir(ref), "packed")
	exited := (&ref2bitpair{}).RunCommand("ref2bitpair",
		[]string{"-local=true", "-ref", ref, "-o", base},
		&bytes.Buffer{}, ioutil.Discard, os.Stderr)
	c.Assert(exited, check.Equals, 0)

	output := s.runSearch(c,
		"-local=true", "-ref", base, "-oracle",
		"-unrev-off", "0", "-one-rev-off", "0", "-two-rev-off", "0",
		reads)
	hits, err := ReadHits(output)
	c.Assert(err, check.IsNil)
	c.Assert(len(hits), check.Equals, 3)
	for _, h := range hits {
		if h.Name == "r2" {
			c.Check(h.RefIdx, check.Equals, uint32(0))
			c.Check(h.RefOff, check.Equals, uint32(8))
		}
	}
}

func (s *searchSuite) TestSearchSeedlings(c *check.C) {
	tempdir := c.MkDir()
	ref := filepath.Join(tempdir, "ref.fasta")
	reads := filepath.Join(tempdir, "reads.fastq")
	c.Assert(ioutil.WriteFile(ref, []byte(">t\nTTACCGGT\n"), 0666), check.IsNil)
	c.Assert(ioutil.WriteFile(reads, []byte("@r2\nTTACAGGT\n+\nIIIIIIII\n"), 0666), check.IsNil)
	output := s.runSearch(c,
		"-local=true", "-ref", ref, "-seedlings", "1",
		"-unrev-off", "0", "-one-rev-off", "0", "-two-rev-off", "0",
		reads)
	batches, err := ReadHitBatches(output)
	c.Assert(err, check.IsNil)
	c.Assert(len(batches), check.Equals, 1)
	c.Check(len(batches[0].Hits), check.Equals, 0)
	c.Assert(len(batches[0].Seedlings), check.Equals, 1)
	c.Check(batches[0].Seedlings[0].Name, check.Equals, "r2")
	got, err := parseSeedlings(batches[0].Seedlings[0].Data)
	c.Assert(err, check.IsNil)
	c.Check(got, check.DeepEquals, [][]seedlingMismatch{{{pos: 4, chr: 1}}})
}

func (s *searchSuite) TestFilterAndExportNumpy(c *check.C) {
	ref, reads := s.writeInputs(c)
	output := s.runSearch(c,
		"-local=true", "-ref", ref,
		"-unrev-off", "0", "-one-rev-off", "0", "-two-rev-off", "0",
		reads)
	raw := append([]byte(nil), output.Bytes()...)

	// Keep only mismatch-free hits.
	var filtered bytes.Buffer
	exited := (&filterer{}).RunCommand("filter",
		[]string{"-max-mismatches", "0"},
		bytes.NewReader(raw), &filtered, os.Stderr)
	c.Assert(exited, check.Equals, 0)
	hits, err := ReadHits(&filtered)
	c.Assert(err, check.IsNil)
	c.Assert(len(hits), check.Equals, 2)
	for _, h := range hits {
		c.Check(len(h.Mms), check.Equals, 0)
	}

	// Export the unfiltered mismatch profile.
	var npybuf bytes.Buffer
	exited = (&exportNumpy{}).RunCommand("export-numpy",
		[]string{"-local=true"},
		bytes.NewReader(raw), &npybuf, os.Stderr)
	c.Assert(exited, check.Equals, 0)
	npy, err := gonpy.NewReader(&npybuf)
	c.Assert(err, check.IsNil)
	mat, err := npy.GetUint16()
	c.Assert(err, check.IsNil)
	c.Assert(npy.Shape, check.DeepEquals, []int{3, 8})
	total := 0
	for _, v := range mat {
		total += int(v)
	}
	// Only r2 carries a mismatch, at read offset 4.
	c.Check(total, check.Equals, 1)
	rhits, err := ReadHits(bytes.NewReader(raw))
	c.Assert(err, check.IsNil)
	for row, h := range rhits {
		if h.Name == "r2" {
			c.Check(mat[row*8+4], check.Equals, uint16(1))
		}
	}
}
