package command

import "io"

// Message is one record read from the backend stream: a reply to a
// numbered command, an asynchronous notification, or console output.
type Message struct {
	Reply        *Reply
	Notification *Notification
	Console      string
}

// Transport writes commands to the backend and reads its records.
type Transport interface {
	// Write sends cmd tagged with token. Options are already resolved.
	Write(token int, cmd Command) error

	// Read blocks until the next record is available.
	Read() (*Message, error)

	Close() error
}

// Codec builds a transport over the backend's standard streams.
type Codec interface {
	NewTransport(r io.Reader, w io.Writer) Transport
}
