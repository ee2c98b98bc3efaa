// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package memio moves bulk data between files and bigmem
// allocations. A set of files is treated as one logically
// concatenated stream of fixed-size entries: entry i occupies stream
// bytes [i*fileEntrySize, (i+1)*fileEntrySize) and maps to memory
// bytes [offset+i*memoryEntrySize, offset+i*memoryEntrySize+
// fileEntrySize), so the stream stride and the memory stride may
// differ. Bytes of each in-memory entry beyond fileEntrySize are
// never touched by either direction; callers that need them zeroed
// must zero them beforehand.
//
// Both operations are collective in the sense that every rank must
// call them with the same shape arguments, but each rank touches only
// the byte range where the stream's image intersects its own
// partition, so the work itself is purely local. No cross-rank
// exchange or validation happens here, and consequently no barrier:
// callers synchronize (typically with Comm.Barrier) before consuming
// data loaded by peers.
//
// Paths are grailfile paths, so the stream may live on local disk or
// on any registered file system implementation such as S3.
package memio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/ioutil"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigmem"
	"github.com/grailbio/bigmem/errors"
)

// LoadFromFile reads the calling rank's share of the concatenated
// stream formed by paths into m. The stream must hold exactly one
// entry for every memory stride in [memoryOffset, m.TotalSize()): a
// stream that is short, that carries surplus entries, or that ends in
// a partial entry is an InvalidValue error.
func LoadFromFile(ctx context.Context, m *bigmem.Memory, memoryOffset, memoryEntrySize, fileEntrySize int64, paths ...string) error {
	const op = "memio.LoadFromFile"
	entries, err := checkShape(op, m, memoryOffset, memoryEntrySize, fileEntrySize)
	if err != nil {
		return err
	}
	sizes := make([]int64, len(paths))
	err = traverse.Each(len(paths), func(i int) error {
		info, err := file.Stat(ctx, paths[i])
		if err != nil {
			return err
		}
		sizes[i] = info.Size()
		return nil
	})
	if err != nil {
		return errors.E(op, err)
	}
	var total int64
	for _, n := range sizes {
		total += n
	}
	if total%fileEntrySize != 0 {
		return errors.E(op, errors.InvalidValue,
			fmt.Sprintf("concatenated stream of %d bytes is not a whole number of %d-byte entries", total, fileEntrySize))
	}
	if n := total / fileEntrySize; n != entries {
		return errors.E(op, errors.InvalidValue,
			fmt.Sprintf("concatenated stream holds %d entries; the region at offset %d holds %d", n, memoryOffset, entries))
	}
	local, err := m.Local()
	if err != nil {
		return errors.E(op, err)
	}
	runs := intersect(memoryOffset, memoryEntrySize, fileEntrySize, entries, local.Offset, local.Offset+local.Size)
	sr := &streamReader{ctx: ctx, paths: paths, sizes: sizes}
	defer sr.Close()
	var loaded int64
	for _, r := range runs {
		if err := sr.SkipTo(r.stream); err != nil {
			return errors.E(op, err)
		}
		if err := sr.ReadFull(local.Data[r.mem-local.Offset : r.mem-local.Offset+r.n]); err != nil {
			return errors.E(op, err)
		}
		loaded += r.n
	}
	stats := m.Comm().Stats()
	stats.Int("loads").Add(1)
	stats.Int("load-bytes").Add(loaded)
	log.Debug.Printf("memio: rank %d loaded %s from %d files", m.Comm().Rank(), data.Size(loaded), len(paths))
	return nil
}

// StoreToFile writes the calling rank's share of the stream to path.
// Every rank must call it with a distinct path; concatenating the
// per-rank files in rank order reconstructs the full stream.
func StoreToFile(ctx context.Context, m *bigmem.Memory, memoryOffset, memoryEntrySize, fileEntrySize int64, path string) error {
	const op = "memio.StoreToFile"
	entries, err := checkShape(op, m, memoryOffset, memoryEntrySize, fileEntrySize)
	if err != nil {
		return err
	}
	local, err := m.Local()
	if err != nil {
		return errors.E(op, err)
	}
	runs := intersect(memoryOffset, memoryEntrySize, fileEntrySize, entries, local.Offset, local.Offset+local.Size)
	f, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(op, path, err)
	}
	w := bufio.NewWriter(f.Writer(ctx))
	var stored int64
	for _, r := range runs {
		if _, err := w.Write(local.Data[r.mem-local.Offset : r.mem-local.Offset+r.n]); err != nil {
			f.Discard(ctx)
			return errors.E(op, path, err)
		}
		stored += r.n
	}
	if err := w.Flush(); err != nil {
		f.Discard(ctx)
		return errors.E(op, path, err)
	}
	if err := f.Close(ctx); err != nil {
		return errors.E(op, path, err)
	}
	stats := m.Comm().Stats()
	stats.Int("stores").Add(1)
	stats.Int("store-bytes").Add(stored)
	log.Debug.Printf("memio: rank %d stored %s to %s", m.Comm().Rank(), data.Size(stored), path)
	return nil
}

// checkShape validates the stream geometry against m and returns the
// number of entries addressed by [memoryOffset, m.TotalSize()).
func checkShape(op string, m *bigmem.Memory, memoryOffset, memoryEntrySize, fileEntrySize int64) (int64, error) {
	if m == nil {
		return 0, errors.E(op, errors.InvalidInput, "nil memory")
	}
	if memoryEntrySize < 1 || fileEntrySize < 1 {
		return 0, errors.E(op, errors.InvalidValue,
			fmt.Sprintf("bad entry sizes: memory %d, file %d", memoryEntrySize, fileEntrySize))
	}
	if fileEntrySize > memoryEntrySize {
		return 0, errors.E(op, errors.InvalidValue,
			fmt.Sprintf("file entry size %d exceeds memory entry size %d", fileEntrySize, memoryEntrySize))
	}
	if memoryOffset < 0 || memoryOffset > m.TotalSize() {
		return 0, errors.E(op, errors.InvalidValue,
			fmt.Sprintf("memory offset %d out of range [0, %d]", memoryOffset, m.TotalSize()))
	}
	span := m.TotalSize() - memoryOffset
	if span%memoryEntrySize != 0 {
		return 0, errors.E(op, errors.InvalidValue,
			fmt.Sprintf("memory span %d is not a whole number of %d-byte entries", span, memoryEntrySize))
	}
	return span / memoryEntrySize, nil
}

// A run is a contiguous byte range that reads identically in stream
// and memory coordinates: stream bytes [stream, stream+n) are memory
// bytes [mem, mem+n).
type run struct {
	stream, mem, n int64
}

// intersect computes, in stream order, the runs where entry images
// fall inside the partition extent [lo, hi). Entries split by a
// partition boundary contribute a partial run to each side.
func intersect(memoryOffset, memoryEntrySize, fileEntrySize, entries, lo, hi int64) []run {
	if hi <= lo {
		return nil
	}
	var runs []run
	first := (lo - memoryOffset) / memoryEntrySize
	if first < 0 {
		first = 0
	}
	for i := first; i < entries; i++ {
		base := memoryOffset + i*memoryEntrySize
		if base >= hi {
			break
		}
		s, e := base, base+fileEntrySize
		if s < lo {
			s = lo
		}
		if e > hi {
			e = hi
		}
		if s >= e {
			continue
		}
		runs = append(runs, run{stream: i*fileEntrySize + s - base, mem: s, n: e - s})
	}
	return runs
}

// A streamReader reads the logical concatenation of a set of files
// with forward skips, opening each file only once bytes are actually
// needed from it.
type streamReader struct {
	ctx   context.Context
	paths []string
	sizes []int64

	pos   int64 // logical stream offset
	idx   int   // file holding pos
	start int64 // stream offset of file idx
	f     file.File
	r     *bufio.Reader
}

// SkipTo advances the stream position to off, which must not precede
// the current position.
func (sr *streamReader) SkipTo(off int64) error {
	if off == sr.pos {
		return nil
	}
	// Leaving the current file behind closes it; a skip within it is
	// discarded through the buffer to keep readahead intact.
	for sr.idx < len(sr.paths) && off >= sr.start+sr.sizes[sr.idx] {
		if err := sr.closeFile(); err != nil {
			return err
		}
		sr.start += sr.sizes[sr.idx]
		sr.idx++
	}
	if sr.idx == len(sr.paths) {
		return errors.E(errors.InvalidValue, fmt.Sprintf("stream offset %d beyond end of stream", off))
	}
	if sr.f != nil {
		if _, err := io.CopyN(ioutil.Discard, sr.r, off-sr.pos); err != nil {
			return errors.E(sr.paths[sr.idx], err)
		}
	}
	sr.pos = off
	return nil
}

// ReadFull fills p from the stream, crossing file boundaries as
// needed.
func (sr *streamReader) ReadFull(p []byte) error {
	for len(p) > 0 {
		for sr.idx < len(sr.paths) && sr.pos == sr.start+sr.sizes[sr.idx] {
			if err := sr.closeFile(); err != nil {
				return err
			}
			sr.start += sr.sizes[sr.idx]
			sr.idx++
		}
		if sr.idx == len(sr.paths) {
			return errors.E(errors.InvalidValue, "stream ends short of the addressed region")
		}
		if sr.f == nil {
			if err := sr.openFile(); err != nil {
				return err
			}
		}
		n := int64(len(p))
		if rest := sr.start + sr.sizes[sr.idx] - sr.pos; n > rest {
			n = rest
		}
		if _, err := io.ReadFull(sr.r, p[:n]); err != nil {
			return errors.E(sr.paths[sr.idx], err)
		}
		p = p[n:]
		sr.pos += n
	}
	return nil
}

// openFile opens the current file positioned at the stream position,
// seeking past any prefix the rank does not need.
func (sr *streamReader) openFile() error {
	f, err := file.Open(sr.ctx, sr.paths[sr.idx])
	if err != nil {
		return errors.E(sr.paths[sr.idx], err)
	}
	rs := f.Reader(sr.ctx)
	if skip := sr.pos - sr.start; skip > 0 {
		if _, err := rs.Seek(skip, io.SeekStart); err != nil {
			f.Close(sr.ctx)
			return errors.E(sr.paths[sr.idx], err)
		}
	}
	sr.f = f
	sr.r = bufio.NewReader(rs)
	return nil
}

func (sr *streamReader) closeFile() error {
	if sr.f == nil {
		return nil
	}
	err := sr.f.Close(sr.ctx)
	sr.f, sr.r = nil, nil
	if err != nil {
		return errors.E(sr.paths[sr.idx], err)
	}
	return nil
}

// Close releases the reader's open file, if any.
func (sr *streamReader) Close() error {
	return sr.closeFile()
}
