// SPDX-License-Identifier: GPL-3.0-or-later

package connpipe

import (
	"io"
	"iter"
	"net"

	"github.com/bassosimone/runtimex"
)

// Buffer is a read-only view over a sequence of byte chunks.
//
// A Buffer references the memory of its chunks without copying it. The
// zero value is an empty buffer. Callers must not modify the chunks.
type Buffer struct {
	chunks [][]byte
	length int
}

// NewBuffer returns a [Buffer] viewing the given chunks in order.
//
// Empty chunks are skipped.
func NewBuffer(chunks ...[]byte) Buffer {
	var b Buffer
	for _, chunk := range chunks {
		if len(chunk) > 0 {
			b.chunks = append(b.chunks, chunk)
			b.length += len(chunk)
		}
	}
	return b
}

// Len returns the number of bytes in the buffer.
func (b Buffer) Len() int {
	return b.length
}

// IsSingleChunk returns true when the buffer bytes are contiguous in memory.
func (b Buffer) IsSingleChunk() bool {
	return len(b.chunks) <= 1
}

// Slice returns a view of the bytes in [start, end).
//
// This method panics if 0 <= start <= end <= Len() does not hold.
func (b Buffer) Slice(start, end int) Buffer {
	runtimex.Assert(0 <= start && start <= end && end <= b.length)
	out := Buffer{length: end - start}
	offset := 0
	for _, chunk := range b.chunks {
		if offset >= end {
			break
		}
		lo, hi := max(start-offset, 0), min(end-offset, len(chunk))
		if lo < hi {
			out.chunks = append(out.chunks, chunk[lo:hi])
		}
		offset += len(chunk)
	}
	return out
}

// CopyTo copies the buffer bytes into dst and returns the number of
// bytes copied, which is the minimum of Len() and len(dst).
func (b Buffer) CopyTo(dst []byte) int {
	count := 0
	for _, chunk := range b.chunks {
		if count >= len(dst) {
			break
		}
		count += copy(dst[count:], chunk)
	}
	return count
}

// Bytes returns the buffer as a contiguous slice.
//
// A single-chunk buffer is returned without copying, so the result
// aliases the underlying memory. Otherwise, the bytes are copied. In
// both cases, appending to the result never writes into memory the
// buffer does not view.
func (b Buffer) Bytes() []byte {
	switch len(b.chunks) {
	case 0:
		return []byte{}
	case 1:
		return clipChunk(b.chunks[0])
	default:
		out := make([]byte, b.length)
		b.CopyTo(out)
		return out
	}
}

// Chunks returns an iterator over the non-empty chunks of the buffer.
//
// The chunks have no spare capacity, as for [Buffer.Bytes].
func (b Buffer) Chunks() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for _, chunk := range b.chunks {
			if !yield(clipChunk(chunk)) {
				return
			}
		}
	}
}

// WriteTo writes the chunks to w in order, using vectored I/O when w supports it.
func (b Buffer) WriteTo(w io.Writer) (int64, error) {
	bufs := make(net.Buffers, 0, len(b.chunks))
	bufs = append(bufs, b.chunks...)
	return bufs.WriteTo(w)
}

// clipChunk removes the spare capacity of chunk, which may reach into
// memory a reader is going to overwrite.
func clipChunk(chunk []byte) []byte {
	return chunk[:len(chunk):len(chunk)]
}
