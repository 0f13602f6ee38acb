package main

import (
	"encoding/gob"
	"io"
	_ "net/http/pprof"

	"golang.org/x/crypto/blake2b"
)

// ReportedHit is the external form of one accepted alignment.
type ReportedHit struct {
	Name   string
	PatID  uint32
	RefIdx uint32
	RefOff uint32
	Fw     bool
	Mms    []uint32 // mismatch offsets from the 5' end
	Seq    []byte   // acgt letters as searched
	Quals  []byte   // phred+33
}

// SeedlingRecord carries the raw seedling stream for one read.
type SeedlingRecord struct {
	Name string
	Data []byte // (pos, chr) pairs with 0xfe separators
}

// HitBatch is one gob record of the hit stream.  RefDigest identifies
// the reference set the batch was aligned against.
type HitBatch struct {
	RefDigest [blake2b.Size256]byte
	Hits      []ReportedHit
	Seedlings []SeedlingRecord
}

func ReadHitBatches(rdr io.Reader) ([]HitBatch, error) {
	dec := gob.NewDecoder(rdr)
	var ret []HitBatch
	for {
		var batch HitBatch
		err := dec.Decode(&batch)
		if err == io.EOF {
			return ret, nil
		} else if err != nil {
			return nil, err
		}
		ret = append(ret, batch)
	}
}

func ReadHits(rdr io.Reader) ([]ReportedHit, error) {
	batches, err := ReadHitBatches(rdr)
	if err != nil {
		return nil, err
	}
	var ret []ReportedHit
	for _, batch := range batches {
		ret = append(ret, batch.Hits...)
	}
	return ret, nil
}
