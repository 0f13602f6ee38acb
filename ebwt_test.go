package main

import (
	"math/rand"
	"strings"

	"gopkg.in/check.v1"
)

type ebwtSuite struct{}

var _ = check.Suite(&ebwtSuite{})

// naiveCount counts occurrences of pat across the concatenation of
// texts, including occurrences that span text boundaries (those are
// in row space but must be rejected at chase time).
func naiveCount(texts []string, pat string) int {
	joined := strings.Join(texts, "")
	n := 0
	for i := 0; i+len(pat) <= len(joined); i++ {
		if joined[i:i+len(pat)] == pat {
			n++
		}
	}
	return n
}

// searchInterval runs plain backward search over the index.
func searchInterval(e *ebwt, pat []byte) (uint32, uint32) {
	fchr := e.fchr()
	c := int(pat[len(pat)-1])
	top, bot := fchr[c], fchr[c+1]
	for i := len(pat) - 2; i >= 0 && bot > top; i-- {
		var ltop, lbot sideLocus
		ltop.init(top)
		lbot.init(bot)
		top = e.mapLF(ltop, int(pat[i]))
		bot = e.mapLF(lbot, int(pat[i]))
	}
	if bot < top {
		bot = top
	}
	return top, bot
}

func (s *ebwtSuite) TestIntervalsMatchNaiveCounts(c *check.C) {
	rnd := rand.New(rand.NewSource(42))
	bases := "ACGT"
	texts := make([]string, 3)
	for i := range texts {
		b := make([]byte, 20+rnd.Intn(20))
		for j := range b {
			b[j] = bases[rnd.Intn(4)]
		}
		texts[i] = string(b)
	}
	e := newEbwt(codeTexts(texts...), 4)
	for trial := 0; trial < 500; trial++ {
		plen := 1 + rnd.Intn(8)
		pat := make([]byte, plen)
		for j := range pat {
			pat[j] = bases[rnd.Intn(4)]
		}
		top, bot := searchInterval(e, codeBases(string(pat)))
		c.Assert(int(bot-top), check.Equals, naiveCount(texts, string(pat)),
			check.Commentf("pattern %s", pat))
	}
}

func (s *ebwtSuite) TestFtabAgreesWithBackwardSearch(c *check.C) {
	e := newEbwt(codeTexts("ACGTACGTTTACCGGTAA", "TTTTCCCCGGGGAAAA"), 4)
	for k := uint32(0); k < 256; k++ {
		pat := make([]byte, 4)
		for i := 0; i < 4; i++ {
			// Leftmost char is in the most significant bit pair.
			pat[i] = byte(k >> uint(2*(3-i)) & 3)
		}
		top, bot := searchInterval(e, pat)
		c.Assert(e.ftabHi(k), check.Equals, top, check.Commentf("k=%d", k))
		c.Assert(e.ftabLo(k+1), check.Equals, bot, check.Commentf("k=%d", k))
	}
}

func (s *ebwtSuite) TestChaseResolvesCoordinates(c *check.C) {
	texts := []string{"ACGTACGTTTACCGGTAA", "TTTTCCCCGGGGAAAA"}
	e := newEbwt(codeTexts(texts...), 4)
	pat := codeBases("CCGG")
	top, bot := searchInterval(e, pat)
	c.Assert(bot > top, check.Equals, true)
	sink := &hitSink{retain: true}
	params := &searchParams{sink: sink, fw: true, ebwtFw: true}
	mms := []uint32{}
	for ri := top; ri < bot; ri++ {
		e.reportChaseOne(pat, []byte("IIII"), "chase", mms, 0, ri, top, bot, 4, params)
	}
	var got []hitCoord
	for _, h := range sink.retained {
		got = append(got, h.h)
	}
	// "CCGG" occurs at text0 offset 11 and text1 offset 6.
	c.Check(len(got), check.Equals, 2)
	seen := map[hitCoord]bool{}
	for _, g := range got {
		seen[g] = true
	}
	c.Check(seen[hitCoord{0, 11}], check.Equals, true)
	c.Check(seen[hitCoord{1, 6}], check.Equals, true)
}

func (s *ebwtSuite) TestChaseRejectsBoundarySpan(c *check.C) {
	// "AATT" only exists across the text boundary.
	e := newEbwt(codeTexts("CCAA", "TTGG"), 4)
	pat := codeBases("AATT")
	top, bot := searchInterval(e, pat)
	c.Assert(int(bot-top), check.Equals, 1)
	sink := &hitSink{}
	params := &searchParams{sink: sink, fw: true, ebwtFw: true}
	for ri := top; ri < bot; ri++ {
		c.Check(e.reportChaseOne(pat, []byte("IIII"), "chase", nil, 0, ri, top, bot, 4, params), check.Equals, false)
	}
	c.Check(sink.numHits(), check.Equals, uint64(0))
}

func (s *ebwtSuite) TestFchrLayout(c *check.C) {
	e := newEbwt(codeTexts("AACCCGT"), 4)
	fchr := e.fchr()
	// Sentinel row first, then 2 As, 3 Cs, 1 G, 1 T.
	c.Check(fchr[0], check.Equals, uint32(1))
	c.Check(fchr[1], check.Equals, uint32(3))
	c.Check(fchr[2], check.Equals, uint32(6))
	c.Check(fchr[3], check.Equals, uint32(7))
	c.Check(fchr[4], check.Equals, uint32(8))
}
