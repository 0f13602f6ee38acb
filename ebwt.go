package main

import (
	"bytes"
	"sort"
)

// sideLocus is a resolved row handle handed to the LF-mapping methods.
// A side-structured on-disk index would precompute side offsets here as
// soon as top/bot are known; the in-memory index only needs the row.
type sideLocus struct {
	row uint32
}

func (l *sideLocus) init(row uint32) { l.row = row }

// arrowIndex is the searchable-index surface the backtracker needs: a
// way to seed depth-0 intervals (fchr), to skip the first few
// characters in one chomp (ftab), to extend an interval leftward by
// one character (mapLF/mapLFEx), and to resolve a row of a reported
// interval to a reference coordinate (reportChaseOne).
type arrowIndex interface {
	fchr() *[5]uint32
	ftabChars() int
	ftabHi(k uint32) uint32
	ftabLo(k uint32) uint32
	mapLF(l sideLocus, c int) uint32
	mapLFEx(ltop, lbot sideLocus, tops, bots []uint32)
	fw() bool
	reportChaseOne(qry, qual []byte, name string, mms []uint32, nmms int, ri, top, bot uint32, qlen int, params *searchParams) bool
}

// ebwt is an in-memory FM index over a set of reference sequences,
// built by plain sorted-suffix construction.  Row space is the sorted
// suffixes of the concatenated texts plus one sentinel row (row of the
// empty suffix), so a nonempty interval never collides with the
// (0,0) "uninitialized" convention.
type ebwt struct {
	texts       [][]byte // base codes 0..3
	textOffs    []uint32 // per-text start offset into joined, plus cap
	joined      []byte
	sa          []uint32 // sa[0] = len(joined) = sentinel suffix
	sentinelRow uint32
	occ         [4][]uint32 // occ[c][r] = count of c in bwt rows [0,r)
	fchrArr     [5]uint32
	nftabChars  int
	ftabTops    []uint32 // interval start per F-mer
	ftabBots    []uint32 // interval end per F-mer
}

func newEbwt(texts [][]byte, ftabChars int) *ebwt {
	e := &ebwt{texts: texts, nftabChars: ftabChars}
	var n int
	for _, t := range texts {
		e.textOffs = append(e.textOffs, uint32(n))
		n += len(t)
	}
	e.textOffs = append(e.textOffs, uint32(n))
	e.joined = make([]byte, 0, n)
	for _, t := range texts {
		e.joined = append(e.joined, t...)
	}

	// Sorted suffixes; the empty (sentinel) suffix sorts first.
	// Quadratic-ish for pathological inputs, fine for the reference
	// sizes this in-memory index is meant for.
	e.sa = make([]uint32, n+1)
	e.sa[0] = uint32(n)
	for i := 0; i < n; i++ {
		e.sa[i+1] = uint32(i)
	}
	sort.Slice(e.sa[1:], func(i, j int) bool {
		return bytes.Compare(e.joined[e.sa[i+1]:], e.joined[e.sa[j+1]:]) < 0
	})

	// fchr[c] counts the sentinel row plus all characters < c.
	var counts [4]uint32
	for _, b := range e.joined {
		counts[b]++
	}
	e.fchrArr[0] = 1
	for c := 0; c < 4; c++ {
		e.fchrArr[c+1] = e.fchrArr[c] + counts[c]
	}

	// Cumulative occurrence counts over the BWT column.
	bwt := make([]byte, n+1)
	for r, g := range e.sa {
		if g == 0 {
			e.sentinelRow = uint32(r)
			bwt[r] = 0xff
		} else {
			bwt[r] = e.joined[g-1]
		}
	}
	for c := 0; c < 4; c++ {
		e.occ[c] = make([]uint32, n+2)
	}
	for r := 0; r <= n; r++ {
		for c := 0; c < 4; c++ {
			e.occ[c][r+1] = e.occ[c][r]
		}
		if bwt[r] != 0xff {
			e.occ[bwt[r]][r+1]++
		}
	}

	e.buildFtab()
	return e
}

// buildFtab precomputes the arrow pair for every F-mer by running F
// backward-extension steps, so a search can skip its first F
// characters in one lookup.
func (e *ebwt) buildFtab() {
	ftabLen := 1 << uint(2*e.nftabChars)
	e.ftabTops = make([]uint32, ftabLen)
	e.ftabBots = make([]uint32, ftabLen)
	for k := 0; k < ftabLen; k++ {
		// Rightmost character of the F-mer is in the low bit pair.
		c := k & 3
		top, bot := e.fchrArr[c], e.fchrArr[c+1]
		for shift := 2; shift < 2*e.nftabChars && bot > top; shift += 2 {
			c = (k >> uint(shift)) & 3
			top = e.lfStep(top, c)
			bot = e.lfStep(bot, c)
		}
		e.ftabTops[k] = top
		e.ftabBots[k] = bot
	}
}

func (e *ebwt) lfStep(row uint32, c int) uint32 {
	return e.fchrArr[c] + e.occ[c][row]
}

func (e *ebwt) fchr() *[5]uint32 { return &e.fchrArr }

func (e *ebwt) ftabChars() int { return e.nftabChars }

func (e *ebwt) ftabHi(k uint32) uint32 { return e.ftabTops[k] }

// ftabLo(k) is the end of the (k-1)-mer's interval, so callers read an
// F-mer's pair as (ftabHi(k), ftabLo(k+1)).
func (e *ebwt) ftabLo(k uint32) uint32 { return e.ftabBots[k-1] }

func (e *ebwt) mapLF(l sideLocus, c int) uint32 {
	return e.lfStep(l.row, c)
}

func (e *ebwt) mapLFEx(ltop, lbot sideLocus, tops, bots []uint32) {
	for c := 0; c < 4; c++ {
		tops[c] = e.lfStep(ltop.row, c)
		bots[c] = e.lfStep(lbot.row, c)
	}
}

func (e *ebwt) fw() bool { return true }

// reportChaseOne resolves row ri to a reference coordinate and offers
// the alignment to the sink.  Rows whose occurrence would span a
// boundary between two concatenated texts are rejected, which is why
// reportHit rotates through the whole interval.
func (e *ebwt) reportChaseOne(qry, qual []byte, name string, mms []uint32, nmms int, ri, top, bot uint32, qlen int, params *searchParams) bool {
	g := e.sa[ri]
	if int(g)+qlen > len(e.joined) {
		return false
	}
	tidx := sort.Search(len(e.texts), func(i int) bool {
		return e.textOffs[i+1] > g
	})
	toff := g - e.textOffs[tidx]
	if int(toff)+qlen > len(e.texts[tidx]) {
		return false
	}
	fivePrimeOnLeft := params.ebwtFw == params.fw
	var diffs uint64
	for i := 0; i < nmms; i++ {
		if fivePrimeOnLeft {
			diffs |= 1 << mms[i]
		} else {
			diffs |= 1 << (uint32(qlen) - mms[i] - 1)
		}
	}
	params.sink.report(hit{
		h:     hitCoord{uint32(tidx), toff},
		patID: params.patID,
		name:  name,
		seq:   append([]byte(nil), qry[:qlen]...),
		quals: append([]byte(nil), qual[:qlen]...),
		fw:    params.fw,
		mms:   diffs,
	})
	return true
}
