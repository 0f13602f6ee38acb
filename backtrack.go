package main

import (
	"errors"
	"fmt"
	"math/rand"

	log "github.com/sirupsen/logrus"
)

const maxReadLen = 64

var defaultQuals = func() []byte {
	q := make([]byte, maxReadLen)
	for i := range q {
		q[i] = 40 + 33
	}
	return q
}()

// queryMutation records a change made to one query base, e.g. "the 3rd
// base from the 5' end was changed from an A to a T".  Used when
// re-searching reads seeded by seedling hits.
type queryMutation struct {
	pos     uint8
	oldBase uint8
	newBase uint8
}

// backtrackerOpts configures a backtracker.  Region offsets are depths
// measured from the end of the read where the search starts; see the
// field comments on backtracker.
type backtrackerOpts struct {
	unrevOff        int // depths < unrevOff admit no mismatch
	oneRevOff       int // depths < oneRevOff admit at most one
	twoRevOff       int // depths < twoRevOff admit at most two
	itop, ibot      uint32
	qualThresh      int // ceiling on the sum of mismatched quals
	qualWobble      int
	reportSeedlings int // >0: emit partial hits up to this many mismatches
	halfAndHalf     bool
	oneHit          bool
	seed            int64
	os              [][]byte // reference texts; enables oracle checking
	verbose         bool
}

// backtracker coordinates quality- and quantity-aware backtracking
// over a read, searching an arrowIndex for an alignment whose
// weighted mismatch sum stays within qualThresh and whose mismatches
// respect the unrev/1-rev/2-rev region budgets.
//
// A backtracker owns its pairs/elims scratch arenas; recursion frames
// slice successive windows out of them.  It is not safe for concurrent
// use: one search mutates mms, chars, the arenas, the borrowed read
// (via mutation overlays) and the PRNG.
type backtracker struct {
	ebwt   arrowIndex
	params *searchParams

	qry  []byte // base codes 0..3, borrowed from the caller
	qual []byte // phred+33
	name string
	qlen int

	unrevOff  int
	oneRevOff int
	twoRevOff int

	itop, ibot    uint32
	spread        int // frame stride; equals qlen
	maxStackDepth int
	qualThresh    int
	qualWobble    int
	oneHit        bool

	pairs []uint32 // 4-way arrow pairs, stacked per recursion frame
	elims []uint8  // eliminated-target bitmasks, stacked likewise
	mms   []uint32 // read offsets of mismatches on the current path
	chars []byte   // per-depth substituted base, for logging/seedlings

	reportSeedlings int
	seedlings       []byte
	muts            []queryMutation

	os          [][]byte
	halfAndHalf bool
	depth5      int // end of the 5' seed half (halfAndHalf)
	depth3      int // end of the 3' seed half (halfAndHalf)

	rand    *rand.Rand
	verbose bool
}

func newBacktracker(ix arrowIndex, params *searchParams, opts backtrackerOpts) (*backtracker, error) {
	if opts.oneRevOff < opts.unrevOff || opts.twoRevOff < opts.oneRevOff {
		return nil, fmt.Errorf("region offsets out of order: %d/%d/%d", opts.unrevOff, opts.oneRevOff, opts.twoRevOff)
	}
	if opts.itop != 0 || opts.ibot != 0 {
		if opts.itop >= opts.ibot {
			return nil, fmt.Errorf("bad initial interval (%d,%d)", opts.itop, opts.ibot)
		}
	}
	if !opts.oneHit {
		return nil, errors.New("only one-hit reporting is implemented")
	}
	if opts.halfAndHalf && opts.reportSeedlings > 0 {
		return nil, errors.New("seedling reporting cannot be combined with half-and-half")
	}
	if opts.halfAndHalf && opts.twoRevOff <= opts.oneRevOff {
		return nil, errors.New("half-and-half needs a nonempty 3' half")
	}
	return &backtracker{
		ebwt:            ix,
		params:          params,
		unrevOff:        opts.unrevOff,
		oneRevOff:       opts.oneRevOff,
		twoRevOff:       opts.twoRevOff,
		itop:            opts.itop,
		ibot:            opts.ibot,
		qualThresh:      opts.qualThresh,
		qualWobble:      opts.qualWobble,
		oneHit:          opts.oneHit,
		reportSeedlings: opts.reportSeedlings,
		os:              opts.os,
		halfAndHalf:     opts.halfAndHalf,
		depth5:          opts.oneRevOff,
		depth3:          opts.twoRevOff,
		mms:             make([]uint32, maxReadLen),
		chars:           make([]byte, maxReadLen),
		rand:            rand.New(rand.NewSource(opts.seed)),
		verbose:         opts.verbose,
	}, nil
}

// setQuery points the backtracker at a read.  qual may be nil (all
// bases then count 40); muts, if any, are applied to the caller's
// buffer now and balanced around every report.
func (bt *backtracker) setQuery(qry, qual []byte, name string, muts []queryMutation) error {
	if len(qry) == 0 || len(qry) > maxReadLen {
		return fmt.Errorf("read length %d out of range (1..%d)", len(qry), maxReadLen)
	}
	if bt.muts != nil {
		bt.undoMutations()
	}
	bt.qry = qry
	bt.qlen = len(qry)
	bt.spread = bt.qlen
	if len(qual) == 0 {
		qual = defaultQuals
	}
	if len(qual) < bt.qlen {
		return fmt.Errorf("%d quality values for a %d-base read", len(qual), bt.qlen)
	}
	for _, q := range qual[:bt.qlen] {
		if q < 33 || q > 73 {
			return fmt.Errorf("quality value %d outside [33,73]", q)
		}
	}
	bt.qual = qual
	if name == "" {
		name = "default"
	}
	bt.name = name
	m := bt.unrevOff
	if m > bt.qlen {
		m = bt.qlen
	}
	bt.maxStackDepth = bt.qlen - m + 4
	if need := bt.spread * bt.maxStackDepth; len(bt.pairs) < need*8 {
		bt.pairs = make([]uint32, need*8)
		bt.elims = make([]uint8, need)
	}
	bt.muts = muts
	if bt.muts != nil {
		bt.applyMutations()
	}
	return nil
}

func (bt *backtracker) qualAt(k int) int {
	if bt.qual[k] < 33 {
		return 0
	}
	return int(bt.qual[k]) - 33
}

func (bt *backtracker) applyMutations() {
	for _, m := range bt.muts {
		bt.qry[m.pos] = m.newBase
	}
}

func (bt *backtracker) undoMutations() {
	for _, m := range bt.muts {
		bt.qry[m.pos] = m.oldBase
	}
}

// backtrack starts a search at the extreme end of the read, using the
// ftab to match the first several characters in one chomp as long as
// that cannot jump over a legal backtracking target.
func (bt *backtracker) backtrack(iham int) bool {
	ftc := bt.ebwt.ftabChars()
	m := bt.unrevOff
	if m > bt.qlen {
		m = bt.qlen
	}
	if m < ftc {
		// The ftab extends past the unrevisitable portion, so it
		// could skip a legitimate mismatch position.
		return bt.backtrackFrom(0, 0, 0, iham)
	}
	// Rightmost char gets the least significant bit pair.
	ftabOff := uint32(0)
	for i := ftc; i > 0; i-- {
		ftabOff = ftabOff<<2 | uint32(bt.qry[bt.qlen-i])
	}
	top := bt.ebwt.ftabHi(ftabOff)
	bot := bt.ebwt.ftabLo(ftabOff + 1)
	if bt.qlen == ftc && bot > top {
		if bt.reportSeedlings > 0 {
			// Seedling searches cannot terminate at the ftab
			// boundary; start over from depth 0.
			return bt.backtrackFrom(0, 0, 0, iham)
		}
		return bt.report(0, top, bot)
	} else if bot > top {
		return bt.backtrackFrom(ftc, top, bot, iham)
	}
	return false
}

// backtrackFrom runs the recursive search from the given depth and
// arrow pair ((0,0) meaning "compute from fchr at depth 0"), and
// cross-checks the outcome against the naive oracle when reference
// texts were supplied.
func (bt *backtracker) backtrackFrom(depth int, top, bot uint32, iham int) bool {
	if bt.verbose {
		log.Debugf("backtrack %s: depth=%d top=%d bot=%d iham=%d", bt.name, depth, top, bot, iham)
	}
	oldRetain := bt.params.sink.retain
	checking := len(bt.os) > 0 && bt.reportSeedlings == 0
	if checking {
		bt.params.sink.retain = true
	}
	ret := bt.search(0, depth, bt.unrevOff, bt.oneRevOff, bt.twoRevOff, top, bot, iham, iham, bt.pairs, bt.elims)
	bt.params.sink.retain = oldRetain
	if checking {
		if ret {
			bt.confirmHit(iham)
		} else {
			bt.confirmNoHit(iham)
		}
	}
	return ret
}

// search is the recursive routine.  Each frame walks the read forward
// from depth, extending the arrow pair by LF steps, until the pair
// closes; then it backtracks into the lowest-quality eligible
// alternative recorded in this frame, recursing with a fresh slice of
// the scratch arenas.  stackDepth equals the number of mismatches
// taken so far.
func (bt *backtracker) search(stackDepth, depth, unrevOff, oneRevOff, twoRevOff int, top, bot uint32, ham, iham int, pairs []uint32, elims []uint8) bool {
	altNum := 0             // alternative arrow pairs in this frame
	eligibleNum := 0        // pairs at the lowest alternative quality
	eligibleSz := uint32(0) // total spread of the eligible pairs
	lowAltQual := 0xff

	d := depth
	cur := bt.qlen - d - 1
	var ltop, lbot sideLocus
	if top != 0 || bot != 0 {
		ltop.init(top)
		lbot.init(bot)
	}
	for cur >= 0 {
		if bt.halfAndHalf {
			// Each half of the seed must have collected its
			// mismatch by the time the search crosses out of it.
			if d == bt.depth5 && stackDepth < 1 {
				return false
			}
			if d == bt.depth3 && stackDepth < 2 {
				return false
			}
		}
		c := int(bt.qry[cur])
		q := bt.qualAt(cur)
		curIsEligible := false
		curOverridesEligible := false
		curIsAlternative := d >= unrevOff && ham+q <= bt.qualThresh
		if curIsAlternative && !bt.revisitable(stackDepth, d) {
			curIsAlternative = false
		}
		if curIsAlternative {
			if q < lowAltQual {
				curIsEligible = true
				curOverridesEligible = true
			} else if q == lowAltQual {
				curIsEligible = true
			}
		}
		if top == 0 && bot == 0 {
			// First quartet comes straight from fchr; d == 0.
			fchr := bt.ebwt.fchr()
			pairs[0], pairs[4] = fchr[0], fchr[1]
			pairs[1], pairs[5] = fchr[1], fchr[2]
			pairs[2], pairs[6] = fchr[2], fchr[3]
			pairs[3], pairs[7] = fchr[3], fchr[4]
			top, bot = pairs[c], pairs[c+4]
		} else if curIsAlternative {
			for i := d * 8; i < d*8+8; i++ {
				pairs[i] = 0
			}
			bt.ebwt.mapLFEx(ltop, lbot, pairs[d*8:d*8+4], pairs[d*8+4:d*8+8])
			top, bot = pairs[d*8+c], pairs[d*8+4+c]
		} else {
			// Not a legitimate backtracking target, so skip the
			// bookkeeping for the whole quartet.
			top = bt.ebwt.mapLF(ltop, c)
			bot = bt.ebwt.mapLF(lbot, c)
		}
		if top != bot {
			ltop.init(top)
			lbot.init(bot)
		}
		elims[d] = 1 << uint(c)
		if curIsAlternative {
			for i := 0; i < 4; i++ {
				spread := pairs[d*8+4+i] - pairs[d*8+i]
				if spread == 0 {
					// Closed pair; eliminated for this frame.
					elims[d] |= 1 << uint(i)
				}
				if i != c && spread > 0 && elims[d]&(1<<uint(i)) == 0 {
					if curIsEligible {
						if curOverridesEligible {
							lowAltQual = q
							eligibleNum = 0
							eligibleSz = 0
							curOverridesEligible = false
						}
						eligibleSz += spread
						eligibleNum++
					}
					altNum++
				}
			}
		}

		keepGoingDespiteMatch := false
		if cur == 0 && top < bot && bt.reportSeedlings > 0 &&
			stackDepth < bt.reportSeedlings && altNum > 0 {
			// The whole pattern matched but we haven't used up our
			// mismatches; report this seedling and keep looking for
			// seedlings with more mismatches.
			keepGoingDespiteMatch = true
			if stackDepth > 0 {
				bt.reportSeedling(stackDepth)
			}
		} else if bt.halfAndHalf && d == bt.depth5-1 && top < bot && stackDepth == 0 {
			// About to leave the 5' half without a mismatch; induce
			// one now rather than chase matches another phase covers.
			keepGoingDespiteMatch = true
		} else if bt.halfAndHalf && d == bt.depth3-1 && top < bot && stackDepth < 2 {
			keepGoingDespiteMatch = true
		}

		// A forced mismatch (keepGoingDespiteMatch) stays forced until
		// its targets are drained, so a failed first pick does not
		// leak back into plain matching.
		for (top == bot && altNum > 0) || keepGoingDespiteMatch {
			if altNum == 0 || eligibleSz == 0 {
				// Forced to mismatch with nothing to branch to.
				return false
			}
			r := bt.rand.Uint32() % eligibleSz
			foundTarget := false
			cumSz := uint32(0)
			i, j := depth, 0
			var btTop, btBot uint32
			btHam := ham
			btCint := 0
			icur := 0
			for ; i <= d; i++ {
				if i < unrevOff || !bt.revisitable(stackDepth, i) {
					continue
				}
				icur = bt.qlen - i - 1
				qi := bt.qualAt(icur)
				if qi == lowAltQual && elims[i] != 15 {
					for j = 0; j < 4; j++ {
						if elims[i]&(1<<uint(j)) == 0 {
							cumSz += pairs[i*8+4+j] - pairs[i*8+j]
							if r < cumSz {
								// Selection lands on pairs in
								// proportion to their spread.
								foundTarget = true
								btTop = pairs[i*8+j]
								btBot = pairs[i*8+4+j]
								btHam += qi
								btCint = j
								break
							}
						}
					}
					if foundTarget {
						break
					}
				}
			}
			if !foundTarget {
				return false
			}

			// Consuming a backtrack inside a k-revisitable zone
			// makes that zone (k-1)-revisitable from here on.
			btUnrevOff, btOneRevOff, btTwoRevOff := unrevOff, oneRevOff, twoRevOff
			if i < oneRevOff {
				btUnrevOff = oneRevOff
				btOneRevOff = bt.twoRevOff
			} else if i < twoRevOff {
				if !bt.halfAndHalf {
					btOneRevOff = twoRevOff
				} else {
					// Keeps later backtracks out of the 3' half once
					// its mismatch has been spent.
					btTwoRevOff = oneRevOff
				}
			}
			bt.mms[stackDepth] = uint32(icur)
			bt.chars[i] = "acgt"[btCint]
			var ret bool
			if i+1 == bt.qlen {
				if bt.halfAndHalf && stackDepth+1 < 2 {
					ret = false
				} else {
					ret = bt.report(stackDepth+1, btTop, btBot)
				}
			} else {
				ret = bt.search(stackDepth+1, i+1,
					btUnrevOff, btOneRevOff, btTwoRevOff,
					btTop, btBot, btHam, iham,
					pairs[bt.spread*8:], elims[bt.spread:])
			}
			if ret {
				if len(bt.os) > 0 {
					bt.confirmHit(iham)
				}
				return true
			}
			// The target failed; eliminate it and update the
			// eligibility bookkeeping.
			bt.chars[i] = "acgt"[bt.qry[icur]]
			elims[i] |= 1 << uint(j)
			eligibleSz -= btBot - btTop
			eligibleNum--
			altNum--
			if altNum == 0 {
				if stackDepth == 0 && len(bt.os) > 0 {
					bt.confirmNoHit(iham)
				}
				return false
			}
			if eligibleNum == 0 {
				// Drained the current quality tier; rescan the frame
				// for the next-lowest one.
				lowAltQual = 0xff
				for k := depth; k <= d; k++ {
					if k < unrevOff || !bt.revisitable(stackDepth, k) {
						continue
					}
					kcur := bt.qlen - k - 1
					kq := bt.qualAt(kcur)
					if ham+kq > bt.qualThresh {
						continue
					}
					kOverrides := kq < lowAltQual
					if kq <= lowAltQual {
						for l := 0; l < 4; l++ {
							if elims[k]&(1<<uint(l)) == 0 {
								if kOverrides {
									lowAltQual = kq
									kOverrides = false
									eligibleNum = 0
									eligibleSz = 0
								}
								eligibleNum++
								eligibleSz += pairs[k*8+4+l] - pairs[k*8+l]
							}
						}
					}
				}
			}
		}

		if top == bot && altNum == 0 {
			// Mismatch with no backtracking opportunities.
			if stackDepth == 0 && len(bt.os) > 0 {
				bt.confirmNoHit(iham)
			}
			return false
		}
		bt.chars[d] = "acgt"[bt.qry[cur]]
		d++
		cur--
	}

	if bt.halfAndHalf && stackDepth < 2 {
		// The 3' half ends at the read boundary; its mismatch is
		// still owed.
		if stackDepth == 0 && len(bt.os) > 0 {
			bt.confirmNoHit(iham)
		}
		return false
	}
	if stackDepth >= bt.reportSeedlings {
		ret := bt.report(stackDepth, top, bot)
		if len(bt.os) > 0 && bt.reportSeedlings == 0 {
			if ret {
				bt.confirmHit(iham)
			} else if stackDepth == 0 {
				bt.confirmNoHit(iham)
			}
		}
		return ret
	}
	if stackDepth == 0 && len(bt.os) > 0 && bt.reportSeedlings == 0 {
		bt.confirmNoHit(iham)
	}
	return false
}

// revisitable reports whether a mismatch may still be placed at depth
// i.  Once both seed halves carry their mismatch in half-and-half
// mode, everything inside the seed is off limits; the region
// tightening alone would leave the tail of the 3' half open.
func (bt *backtracker) revisitable(stackDepth, i int) bool {
	return !(bt.halfAndHalf && stackDepth >= 2 && i < bt.twoRevOff)
}

// report undoes any mutation overlay so the sink sees the original
// read, splices the mutated positions into the mismatch list, and
// offers the interval's rows to the sink.
func (bt *backtracker) report(stackDepth int, top, bot uint32) bool {
	if bt.reportSeedlings > 0 {
		bt.reportSeedling(stackDepth)
		return false // keep going
	}
	bt.undoMutations()
	var hit bool
	if len(bt.muts) > 0 {
		for i, m := range bt.muts {
			// Entries in mms are offsets into the read, not depths.
			bt.mms[stackDepth+i] = uint32(m.pos)
		}
		hit = bt.reportHit(stackDepth+len(bt.muts), top, bot)
	} else {
		hit = bt.reportHit(stackDepth, top, bot)
	}
	bt.applyMutations()
	return hit
}

// reportHit rotates through the interval's rows starting from a random
// one until the sink accepts a candidate.
func (bt *backtracker) reportHit(stackDepth int, top, bot uint32) bool {
	spread := bot - top
	r := top + bt.rand.Uint32()%spread
	for i := uint32(0); i < spread; i++ {
		ri := r + i
		if ri >= bot {
			ri -= spread
		}
		if bt.ebwt.reportChaseOne(bt.qry, bt.qual, bt.name, bt.mms, stackDepth, ri, top, bot, bt.qlen, bt.params) {
			return true
		}
	}
	return false
}

// reportSeedling appends the mismatches that got us here to the
// seedling stream: (pos, chr) byte pairs with 0xfe between pairs.
func (bt *backtracker) reportSeedling(stackDepth int) {
	for i := 0; i < stackDepth; i++ {
		pos := bt.mms[i]
		bt.seedlings = append(bt.seedlings, uint8(pos))
		ci := bt.qlen - int(pos) - 1
		// chars is indexed by depth, not read offset.
		bt.seedlings = append(bt.seedlings, baseCode(bt.chars[ci]))
		if i < stackDepth-1 {
			bt.seedlings = append(bt.seedlings, 0xfe)
		}
	}
}

// takeSeedlings returns the accumulated seedling stream and resets it.
func (bt *backtracker) takeSeedlings() []byte {
	s := bt.seedlings
	bt.seedlings = nil
	return s
}

func baseCode(b byte) uint8 {
	switch b {
	case 'a', 'A':
		return 0
	case 'c', 'C':
		return 1
	case 'g', 'G':
		return 2
	case 't', 'T':
		return 3
	}
	return 4
}
