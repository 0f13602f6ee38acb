package main

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"io/ioutil"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

// refRecord describes one stretch of a reference sequence: off
// ambiguous bases followed by len unambiguous bases.  first marks the
// first record of a new sequence.
type refRecord struct {
	off   uint32
	len   uint32
	first bool
}

// bitPairReference answers base/stretch queries from a bit-packed copy
// of the unambiguous parts of a reference set, loaded from the .3
// (records) and .4 (packed bases) files.  Ambiguous stretches are
// represented only by the records and decode as code 4.
type bitPairReference struct {
	recs       []refRecord
	refLens    []uint32 // per-seq length including interior ambig runs
	refOffs    []uint32 // per-seq start offset into buf, plus cap
	refRecOffs []uint32 // per-seq first record index, plus cap
	buf        []byte
	nrefs      int
}

// loadBitPairReference reads base+".3" and base+".4".  The .3 file
// starts with an endianness sentinel (1 when written in the reader's
// native order, 0x01000000 when the words need swapping).
func loadBitPairReference(base string) (*bitPairReference, error) {
	b3, err := ioutil.ReadFile(base + ".3")
	if err != nil {
		return nil, err
	}
	b4, err := ioutil.ReadFile(base + ".4")
	if err != nil {
		return nil, err
	}
	if len(b3) < 8 {
		return nil, fmt.Errorf("%s.3: too short (%d bytes)", base, len(b3))
	}
	var ord binary.ByteOrder = binary.LittleEndian
	switch sentinel := binary.LittleEndian.Uint32(b3[0:4]); sentinel {
	case 1:
	case 0x01000000:
		ord = binary.BigEndian
	default:
		return nil, fmt.Errorf("%s.3: bad endianness sentinel %#x", base, sentinel)
	}
	sz := ord.Uint32(b3[4:8])
	if want := 8 + 9*int(sz); len(b3) != want {
		return nil, fmt.Errorf("%s.3: have %d bytes, want %d for %d records", base, len(b3), want, sz)
	}

	r := &bitPairReference{}
	cumsz := uint32(0) // unambiguous bases so far, = offset into buf
	cumlen := uint32(0)
	for i := uint32(0); i < sz; i++ {
		p := 8 + 9*i
		rec := refRecord{
			off:   ord.Uint32(b3[p : p+4]),
			len:   ord.Uint32(b3[p+4 : p+8]),
			first: b3[p+8] != 0,
		}
		if rec.first {
			r.refRecOffs = append(r.refRecOffs, uint32(len(r.recs)))
			r.refOffs = append(r.refOffs, cumsz)
			if r.nrefs > 0 {
				r.refLens = append(r.refLens, cumlen)
			}
			cumlen = 0
			r.nrefs++
		} else if r.nrefs == 0 {
			return nil, fmt.Errorf("%s.3: record 0 is not marked first", base)
		}
		r.recs = append(r.recs, rec)
		cumsz += rec.len
		cumlen += rec.off + rec.len
	}
	r.refRecOffs = append(r.refRecOffs, uint32(len(r.recs)))
	r.refOffs = append(r.refOffs, cumsz)
	r.refLens = append(r.refLens, cumlen)

	if want := int(cumsz+3) / 4; len(b4) != want {
		return nil, fmt.Errorf("%s.4: have %d bytes, want %d for %d packed bases", base, len(b4), want, cumsz)
	}
	r.buf = b4
	d3 := blake2b.Sum256(b3)
	d4 := blake2b.Sum256(b4)
	log.WithFields(log.Fields{
		"records": len(r.recs),
		"refs":    r.nrefs,
		"bases":   cumsz,
	}).Infof("loaded %s.3 (%x) %s.4 (%x)", base, d3[:8], base, d4[:8])
	return r, nil
}

func (r *bitPairReference) numRefs() int { return r.nrefs }

// approxLen is the sequence length excluding any trailing ambiguous
// run that has no record of its own.
func (r *bitPairReference) approxLen(tidx int) uint32 { return r.refLens[tidx] }

// base returns the code (0..3, or 4 for ambiguous/out of range) of the
// toff'th base of reference tidx.  Scans the records linearly; callers
// wanting more than a few bases should use stretch.
func (r *bitPairReference) base(tidx, toff uint32) int {
	reci := r.refRecOffs[tidx]
	recf := r.refRecOffs[tidx+1]
	bufOff := r.refOffs[tidx]
	off := uint32(0)
	for i := reci; i < recf; i++ {
		off += r.recs[i].off
		if toff < off {
			return 4
		}
		recOff := off + r.recs[i].len
		if toff < recOff {
			bufOff += toff - off
			shift := (bufOff & 3) << 1
			return int(r.buf[bufOff>>2]>>shift) & 3
		}
		bufOff += r.recs[i].len
		off = recOff
	}
	return 4
}

// stretch fills dst with len(dst) consecutive base codes of reference
// tidx starting at toff, writing 4 across ambiguous ranges and past
// the end of the sequence.
func (r *bitPairReference) stretch(dst []byte, tidx, toff uint32) {
	reci := r.refRecOffs[tidx]
	recf := r.refRecOffs[tidx+1]
	count := uint32(len(dst))
	cur := uint32(0)
	bufOff := r.refOffs[tidx]
	off := uint32(0)
	for i := reci; i < recf; i++ {
		off += r.recs[i].off
		for toff < off && count > 0 {
			dst[cur] = 4
			cur++
			toff++
			count--
		}
		if count == 0 {
			return
		}
		if skip := toff - off; skip < r.recs[i].len {
			bufOff += skip
		} else {
			bufOff += r.recs[i].len
		}
		off += r.recs[i].len
		for toff < off && count > 0 {
			shift := (bufOff & 3) << 1
			dst[cur] = r.buf[bufOff>>2] >> shift & 3
			cur++
			bufOff++
			toff++
			count--
		}
		if count == 0 {
			return
		}
	}
	for count > 0 {
		dst[cur] = 4
		cur++
		count--
	}
}

// writeBitPairFiles encodes a set of reference sequences (base codes
// 0..4, where 4 is ambiguous) into the .3/.4 record format, in native
// little-endian order.
func writeBitPairFiles(w3, w4 io.Writer, seqs [][]byte) error {
	var recs []refRecord
	var packed []byte
	nbases := uint32(0)
	pack := func(code byte) {
		if nbases&3 == 0 {
			packed = append(packed, 0)
		}
		packed[len(packed)-1] |= code << ((nbases & 3) << 1)
		nbases++
	}
	for _, seq := range seqs {
		first := true
		i := 0
		for i < len(seq) || first {
			var rec refRecord
			rec.first = first
			first = false
			for i < len(seq) && seq[i] == 4 {
				rec.off++
				i++
			}
			for i < len(seq) && seq[i] != 4 {
				pack(seq[i])
				rec.len++
				i++
			}
			recs = append(recs, rec)
		}
	}

	bw := bufio.NewWriter(w3)
	word := make([]byte, 4)
	writeU32 := func(v uint32) {
		binary.LittleEndian.PutUint32(word, v)
		bw.Write(word)
	}
	writeU32(1)
	writeU32(uint32(len(recs)))
	for _, rec := range recs {
		writeU32(rec.off)
		writeU32(rec.len)
		if rec.first {
			bw.WriteByte(1)
		} else {
			bw.WriteByte(0)
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	_, err := w4.Write(packed)
	return err
}
