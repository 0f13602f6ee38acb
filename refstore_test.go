package main

import (
	"bytes"
	"encoding/binary"
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"

	"gopkg.in/check.v1"
)

type refstoreSuite struct{}

var _ = check.Suite(&refstoreSuite{})

func writeRefFiles(c *check.C, seqs []string) (string, *bitPairReference) {
	tempdir := c.MkDir()
	base := filepath.Join(tempdir, "ref")
	var b3, b4 bytes.Buffer
	coded := make([][]byte, len(seqs))
	for i, s := range seqs {
		coded[i] = codeBases(s)
	}
	err := writeBitPairFiles(&b3, &b4, coded)
	c.Assert(err, check.IsNil)
	c.Assert(ioutil.WriteFile(base+".3", b3.Bytes(), 0666), check.IsNil)
	c.Assert(ioutil.WriteFile(base+".4", b4.Bytes(), 0666), check.IsNil)
	ref, err := loadBitPairReference(base)
	c.Assert(err, check.IsNil)
	return base, ref
}

func (s *refstoreSuite) TestRoundTrip(c *check.C) {
	seqs := []string{
		"NNACGTNNACGTACGTN",
		"ACGT",
		"NNNN",
		"TTTTGGGGCCCCAAAA",
		"GANNNNNNNNNNGA",
	}
	_, ref := writeRefFiles(c, seqs)
	c.Assert(ref.numRefs(), check.Equals, len(seqs))
	for i, seq := range seqs {
		want := codeBases(seq)
		for j := range want {
			c.Assert(ref.base(uint32(i), uint32(j)), check.Equals, int(want[j]),
				check.Commentf("seq %d offset %d", i, j))
		}
		// Past the end is ambiguous.
		c.Check(ref.base(uint32(i), uint32(len(seq))), check.Equals, 4)
		c.Check(ref.base(uint32(i), uint32(len(seq)+7)), check.Equals, 4)

		got := make([]byte, len(seq))
		ref.stretch(got, uint32(i), 0)
		c.Check(got, check.DeepEquals, want, check.Commentf("seq %d", i))
	}
}

func (s *refstoreSuite) TestStretchWindows(c *check.C) {
	rnd := rand.New(rand.NewSource(7))
	alpha := "ACGTN"
	seqs := make([]string, 3)
	for i := range seqs {
		b := make([]byte, 40+rnd.Intn(40))
		for j := range b {
			b[j] = alpha[rnd.Intn(5)]
		}
		seqs[i] = string(b)
	}
	_, ref := writeRefFiles(c, seqs)
	for trial := 0; trial < 300; trial++ {
		tidx := rnd.Intn(len(seqs))
		seq := seqs[tidx]
		toff := rnd.Intn(len(seq) + 5)
		n := 1 + rnd.Intn(20)
		got := make([]byte, n)
		ref.stretch(got, uint32(tidx), uint32(toff))
		for k := 0; k < n; k++ {
			want := 4
			if toff+k < len(seq) {
				want = int(baseCode(seq[toff+k]))
			}
			c.Assert(int(got[k]), check.Equals, want,
				check.Commentf("seq %d stretch(%d,%d)[%d]", tidx, toff, n, k))
		}
	}
}

func (s *refstoreSuite) TestApproxLen(c *check.C) {
	_, ref := writeRefFiles(c, []string{"NNACGTNN", "ACGT"})
	c.Check(ref.approxLen(0), check.Equals, uint32(8))
	c.Check(ref.approxLen(1), check.Equals, uint32(4))
}

func (s *refstoreSuite) TestByteSwappedLoad(c *check.C) {
	tempdir := c.MkDir()
	base := filepath.Join(tempdir, "ref")
	// One sequence, "ACGT": a single record {off:0, len:4, first:1},
	// written big-endian with the swapped sentinel.
	var b3 bytes.Buffer
	word := make([]byte, 4)
	bePut := func(v uint32) {
		binary.BigEndian.PutUint32(word, v)
		b3.Write(word)
	}
	bePut(1) // reads back as 0x01000000 on a little-endian scan
	bePut(1)
	bePut(0)
	bePut(4)
	b3.WriteByte(1)
	c.Assert(ioutil.WriteFile(base+".3", b3.Bytes(), 0666), check.IsNil)
	// Packed "ACGT" = 0b11100100.
	c.Assert(ioutil.WriteFile(base+".4", []byte{0xe4}, 0666), check.IsNil)

	ref, err := loadBitPairReference(base)
	c.Assert(err, check.IsNil)
	got := make([]byte, 4)
	ref.stretch(got, 0, 0)
	c.Check(got, check.DeepEquals, codeBases("ACGT"))
}

func (s *refstoreSuite) TestLoadErrors(c *check.C) {
	tempdir := c.MkDir()
	base := filepath.Join(tempdir, "ref")

	_, err := loadBitPairReference(base)
	c.Check(os.IsNotExist(err), check.Equals, true)

	c.Assert(ioutil.WriteFile(base+".3", []byte{1, 0}, 0666), check.IsNil)
	c.Assert(ioutil.WriteFile(base+".4", nil, 0666), check.IsNil)
	_, err = loadBitPairReference(base)
	c.Check(err, check.ErrorMatches, `.*too short.*`)

	c.Assert(ioutil.WriteFile(base+".3", []byte{9, 9, 9, 9, 0, 0, 0, 0}, 0666), check.IsNil)
	_, err = loadBitPairReference(base)
	c.Check(err, check.ErrorMatches, `.*sentinel.*`)

	// Valid records but truncated .4.
	var b3, b4 bytes.Buffer
	c.Assert(writeBitPairFiles(&b3, &b4, codeTexts("ACGTACGT")), check.IsNil)
	c.Assert(ioutil.WriteFile(base+".3", b3.Bytes(), 0666), check.IsNil)
	c.Assert(ioutil.WriteFile(base+".4", b4.Bytes()[:1], 0666), check.IsNil)
	_, err = loadBitPairReference(base)
	c.Check(err, check.ErrorMatches, `.*want 2 for 8 packed bases.*`)
}
