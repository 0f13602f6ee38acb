package main

import (
	"github.com/sergi/go-diff/diffmatchpatch"
	log "github.com/sirupsen/logrus"
)

// naiveOracle scans every alignment of the pattern against every text,
// computing the weighted Hamming distance right to left and enforcing
// the region rules, and appends every qualifying hit.  It is the
// authoritative definition of "valid hit"; the backtracker is checked
// against it whenever reference texts are available.
func naiveOracle(os [][]byte, qry []byte, qlen int, qual []byte, name string, patID uint32,
	hits *[]hit, qualThresh, unrevOff, oneRevOff, twoRevOff int,
	fw, ebwtFw bool, iham int, muts []queryMutation, halfAndHalf bool) {
	fivePrimeOnLeft := ebwtFw == fw
	plen := qlen
	for i := range os {
		olen := len(os[i])
		if olen < plen {
			continue
		}
		for j := 0; j <= olen-plen; j++ {
			rev1mm := 0
			rev2mm := 0
			ham := iham
			var diffs uint64
			success := true
			var ok, okInc int
			if ebwtFw {
				ok, okInc = j+plen-1, -1
			} else {
				ok, okInc = olen-(j+plen-1)-1, 1
			}
			// Right to left, mirroring the backtracker's direction.
			for k := plen - 1; k >= 0; k-- {
				kr := plen - 1 - k
				if qry[k] != os[i][ok] {
					if qual[k] >= 33 {
						ham += int(qual[k]) - 33
					}
					if ham > qualThresh {
						success = false
						break
					}
					if kr < unrevOff {
						success = false
						break
					} else if kr < oneRevOff {
						rev1mm++
						if rev1mm > 1 && !halfAndHalf {
							success = false
							break
						}
					} else if kr < twoRevOff {
						rev2mm++
						if rev2mm > 2 && !halfAndHalf {
							success = false
							break
						}
					}
					if halfAndHalf && (rev1mm > 1 || rev2mm > 1) {
						success = false
						break
					}
					if fivePrimeOnLeft {
						diffs |= 1 << uint(k)
					} else {
						diffs |= 1 << uint(plen-k-1)
					}
				}
				ok += okInc
			}
			if halfAndHalf && success && (rev1mm != 1 || rev2mm != 1) {
				success = false
			}
			if !success {
				continue
			}
			off := j
			if !ebwtFw {
				off = olen - off - plen
			}
			for _, m := range muts {
				if fivePrimeOnLeft {
					diffs |= 1 << uint(m.pos)
				} else {
					diffs |= 1 << uint(plen-int(m.pos)-1)
				}
			}
			*hits = append(*hits, hit{
				h:     hitCoord{uint32(i), uint32(off)},
				patID: patID,
				name:  name,
				seq:   append([]byte(nil), qry[:plen]...),
				quals: append([]byte(nil), qual[:plen]...),
				fw:    fw,
				mms:   diffs,
			})
		}
	}
}

func (bt *backtracker) naiveOracleHits(iham int) []hit {
	var hits []hit
	naiveOracle(bt.os, bt.qry, bt.qlen, bt.qual, bt.name, bt.params.patID,
		&hits, bt.qualThresh, bt.unrevOff, bt.oneRevOff, bt.twoRevOff,
		bt.params.fw, bt.params.ebwtFw, iham, bt.muts, bt.halfAndHalf)
	return hits
}

// confirmNoHit aborts with a diagnostic dump if the oracle finds a hit
// the backtracker missed.
func (bt *backtracker) confirmNoHit(iham int) {
	if len(bt.os) == 0 || bt.reportSeedlings > 0 {
		return
	}
	oracleHits := bt.naiveOracleHits(iham)
	if len(oracleHits) == 0 {
		return
	}
	bt.dumpHit(&oracleHits[0], "oracle found hits but the backtracker did not")
	panic("oracle mismatch: missed hit")
}

// confirmHit aborts if the hit just reported is not among the hits the
// oracle enumerates for the same constraints.
func (bt *backtracker) confirmHit(iham int) {
	if len(bt.os) == 0 || bt.reportSeedlings > 0 {
		return
	}
	oracleHits := bt.naiveOracleHits(iham)
	retained := bt.params.sink.retained
	if len(oracleHits) == 0 || len(retained) == 0 {
		bt.dumpHit(nil, "backtracker hit has no oracle counterpart")
		panic("oracle mismatch: spurious hit")
	}
	rhit := retained[len(retained)-1]
	for i := range oracleHits {
		h := &oracleHits[i]
		if h.h == rhit.h {
			if h.fw != rhit.fw || h.mms != rhit.mms {
				bt.dumpHit(h, "backtracker hit disagrees with oracle hit at same locus")
				panic("oracle mismatch: wrong hit detail")
			}
			return
		}
	}
	bt.dumpHit(&oracleHits[0], "backtracker hit locus unknown to oracle")
	panic("oracle mismatch: wrong locus")
}

// dumpHit logs the pattern, the text segment under an oracle hit (when
// given) and the backtracking region map.
func (bt *backtracker) dumpHit(h *hit, msg string) {
	pat := decodeBases(bt.qry[:bt.qlen])
	fields := log.Fields{"name": bt.name, "pat": pat, "quals": string(bt.qual[:bt.qlen])}
	if h != nil {
		tseg := make([]byte, 0, bt.qlen)
		if bt.params.ebwtFw {
			for i := 0; i < bt.qlen; i++ {
				tseg = append(tseg, bt.os[h.h.tidx][int(h.h.toff)+i])
			}
		} else {
			for i := bt.qlen - 1; i >= 0; i-- {
				tseg = append(tseg, bt.os[h.h.tidx][int(h.h.toff)+i])
			}
		}
		text := decodeBases(tseg)
		dmp := diffmatchpatch.New()
		fields["tseg"] = text
		fields["diff"] = dmp.DiffMain(pat, text, false)
		fields["tidx"] = h.h.tidx
		fields["toff"] = h.h.toff
	}
	bt0 := make([]byte, 0, bt.qlen)
	for i := bt.qlen - 1; i >= 0; i-- {
		switch {
		case i < bt.unrevOff:
			bt0 = append(bt0, '0')
		case i < bt.oneRevOff:
			bt0 = append(bt0, '1')
		case i < bt.twoRevOff:
			bt0 = append(bt0, '2')
		default:
			bt0 = append(bt0, 'X')
		}
	}
	fields["bt"] = string(bt0)
	log.WithFields(fields).Error(msg)
}

func decodeBases(codes []byte) string {
	out := make([]byte, len(codes))
	for i, c := range codes {
		if c < 4 {
			out[i] = "acgt"[c]
		} else {
			out[i] = 'n'
		}
	}
	return string(out)
}
