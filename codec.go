// SPDX-License-Identifier: GPL-3.0-or-later

package connpipe

import "io"

// ParseCursor tells the buffering layer how much of the input a
// [MessageReader] used.
//
// Both offsets are relative to the start of the input [Buffer] and
// satisfy 0 <= Consumed <= Examined <= input.Len().
type ParseCursor struct {
	// Consumed is the number of bytes to drop from the buffer.
	Consumed int

	// Examined is the number of bytes inspected. The buffering layer does
	// not call the reader again until more than Examined-Consumed bytes
	// are buffered past the consumed prefix.
	Examined int
}

// MessageReader parses messages out of buffered bytes.
//
// TryParseMessage either produces one message, setting cursor to its end,
// or reports that it needs more data by returning false, leaving
// cursor.Consumed unchanged and setting cursor.Examined to the farthest
// byte inspected. A reader must not modify the input and must accept
// being called again with the same unconsumed prefix plus more bytes.
//
// A non-nil error, usually a [*ParseError], means the stream is corrupt.
type MessageReader[T any] interface {
	TryParseMessage(input Buffer, cursor *ParseCursor) (T, bool, error)
}

// MessageWriter serializes messages.
type MessageWriter[T any] interface {
	WriteMessage(message T, output io.Writer) error
}

// Codec reads and writes messages of type T.
type Codec[T any] interface {
	MessageReader[T]
	MessageWriter[T]
}

// WriteMessage writes message to conn using writer, then flushes conn.
func WriteMessage[T any](conn Conn, writer MessageWriter[T], message T) error {
	if err := writer.WriteMessage(message, conn); err != nil {
		return err
	}
	return conn.Flush()
}
