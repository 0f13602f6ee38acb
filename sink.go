package main

// hitCoord identifies a reference sequence and an offset into it.
type hitCoord struct {
	tidx uint32
	toff uint32
}

// hit is one accepted alignment. mms is a bitvector of mismatched
// positions relative to the 5' end of the original read; seq and quals
// are copies taken at report time, after any mutation overlay has been
// undone.
type hit struct {
	h     hitCoord
	patID uint32
	name  string
	seq   []byte
	quals []byte
	fw    bool
	mms   uint64
}

// hitSink consumes reported hits. When retain is set it keeps every
// hit so the oracle can compare them afterwards; last always holds the
// most recent hit regardless.
type hitSink struct {
	n        uint64
	retain   bool
	retained []hit
	last     hit
	hasLast  bool
}

func (s *hitSink) report(h hit) {
	s.n++
	s.last = h
	s.hasLast = true
	if s.retain {
		s.retained = append(s.retained, h)
	}
}

func (s *hitSink) numHits() uint64 { return s.n }

// searchParams carries per-read search context shared between the
// backtracker, the index and the sink.
type searchParams struct {
	sink   *hitSink
	patID  uint32
	fw     bool
	ebwtFw bool
}
