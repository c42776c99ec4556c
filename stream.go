// SPDX-License-Identifier: GPL-3.0-or-later

package connpipe

import (
	"errors"
	"fmt"
	"io"

	"github.com/bassosimone/runtimex"
)

// NewMessageStream returns a new [*MessageStream] reading from reader.
//
// The cfg argument contains the common configuration for connpipe operations.
//
// The codec argument parses the messages.
func NewMessageStream[T any](cfg *Config, reader io.Reader, codec MessageReader[T]) *MessageStream[T] {
	return &MessageStream[T]{
		MaxBufferSize:  cfg.MaxFrameLength + MaxHeaderLength,
		ReadBufferSize: cfg.ReadBufferSize,
		codec:          codec,
		reader:         reader,
	}
}

// MessageStream is the buffering layer between an [io.Reader] and a
// [MessageReader].
//
// Data is read in chunks of ReadBufferSize bytes and kept until the codec
// consumes it, so a message may span several chunks. After the codec asks
// for more data, it is invoked again only once new bytes have arrived and
// more bytes than it has already examined are available.
// Chunk memory is never overwritten, so slices of a returned message stay
// valid at least until the next call to [*MessageStream.ReadMessage].
//
// A MessageStream is not safe for concurrent use.
type MessageStream[T any] struct {
	// MaxBufferSize bounds the bytes buffered while waiting for a message.
	//
	// Set by [NewMessageStream] from [Config.MaxFrameLength] plus [MaxHeaderLength].
	MaxBufferSize int

	// ReadBufferSize is the size of each chunk.
	//
	// Set by [NewMessageStream] from [Config.ReadBufferSize].
	ReadBufferSize int

	codec    MessageReader[T]
	chunks   [][]byte
	eof      bool
	err      error
	examined int
	growLast bool
	reader   io.Reader
	stale    bool
	tail     []byte
}

// Buffered returns the number of bytes read but not yet consumed.
func (s *MessageStream[T]) Buffered() int {
	total := 0
	for _, chunk := range s.chunks {
		total += len(chunk)
	}
	return total
}

// ReadMessage returns the next message.
//
// It returns [io.EOF] when the stream ends cleanly between messages and
// [io.ErrUnexpectedEOF] when it ends in the middle of one. After a parse
// error the stream is unusable and every later call returns that error.
func (s *MessageStream[T]) ReadMessage() (T, error) {
	var zero T
	if s.err != nil {
		return zero, s.err
	}
	for {
		buffered := s.Buffered()
		if !s.stale && buffered > s.examined {
			message, ok, err := s.parse(buffered)
			if err != nil {
				s.err = err
				return zero, err
			}
			if ok {
				return message, nil
			}
		}

		if s.eof {
			if s.Buffered() == 0 {
				return zero, io.EOF
			}
			return zero, io.ErrUnexpectedEOF
		}
		if s.Buffered() >= s.MaxBufferSize {
			s.err = &ParseError{
				Offset: 0,
				Reason: fmt.Sprintf("no message within %d buffered bytes", s.MaxBufferSize),
			}
			return zero, s.err
		}
		if err := s.fill(); err != nil {
			return zero, err
		}
	}
}

func (s *MessageStream[T]) parse(buffered int) (T, bool, error) {
	cursor := ParseCursor{}
	message, ok, err := s.codec.TryParseMessage(NewBuffer(s.chunks...), &cursor)
	if err != nil {
		return message, false, err
	}
	runtimex.Assert(0 <= cursor.Consumed && cursor.Consumed <= cursor.Examined && cursor.Examined <= buffered)
	s.advance(cursor.Consumed)
	s.examined = cursor.Examined - cursor.Consumed
	s.stale = !ok
	return message, ok, nil
}

// advance drops count bytes from the front of the buffered chunks.
func (s *MessageStream[T]) advance(count int) {
	for count > 0 {
		if count < len(s.chunks[0]) {
			s.chunks[0] = s.chunks[0][count:]
			return
		}
		count -= len(s.chunks[0])
		s.chunks[0] = nil
		s.chunks = s.chunks[1:]
	}
	if len(s.chunks) == 0 {
		s.chunks = nil
		s.growLast = false
	}
}

// fill performs a single read into the spare capacity of the tail chunk.
func (s *MessageStream[T]) fill() error {
	if len(s.tail) == cap(s.tail) {
		s.tail = make([]byte, 0, max(s.ReadBufferSize, 1))
		s.growLast = false
	}
	start := len(s.tail)
	count, err := s.reader.Read(s.tail[start:cap(s.tail)])
	if count > 0 {
		s.stale = false
		s.tail = s.tail[:start+count]
		if s.growLast {
			last := len(s.chunks) - 1
			s.chunks[last] = s.chunks[last][:len(s.chunks[last])+count]
		} else {
			s.chunks = append(s.chunks, s.tail[start:start+count])
			s.growLast = true
		}
	}
	switch {
	case errors.Is(err, io.EOF):
		s.eof = true
		return nil
	default:
		return err
	}
}
