package simulator

import (
	"io"
	"reflect"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/dshills/mictl/internal/command"
)

// Frame types.
const (
	frameCommand = "command"
	frameReply   = "reply"
	frameNotify  = "notify"
	frameConsole = "console"
)

// frame is one CBOR data item on the command channel.
type frame struct {
	Type    string         `cbor:"t"`
	Token   int            `cbor:"tok,omitempty"`
	Kind    string         `cbor:"k,omitempty"`
	Args    []string       `cbor:"a,omitempty"`
	Options []string       `cbor:"o,omitempty"`
	Class   string         `cbor:"c,omitempty"`
	Message string         `cbor:"m,omitempty"`
	Async   bool           `cbor:"async,omitempty"`
	Results map[string]any `cbor:"r,omitempty"`
	Text    string         `cbor:"text,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("simulator: CBOR encoder initialization failed: " + err.Error())
	}
	// Results are decoded into any; their tuples must come out as
	// map[string]any for command.Results to read them.
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("simulator: CBOR decoder initialization failed: " + err.Error())
	}
}

// Codec frames the command channel as a sequence of CBOR data items, one
// per command, reply, notification or console line.
type Codec struct{}

var _ command.Codec = Codec{}

// NewTransport implements command.Codec.
func (Codec) NewTransport(r io.Reader, w io.Writer) command.Transport {
	return &transport{dec: decMode.NewDecoder(r), enc: encMode.NewEncoder(w), w: w}
}

type transport struct {
	mu  sync.Mutex
	enc *cbor.Encoder
	dec *cbor.Decoder
	w   io.Writer
}

// Write implements command.Transport.
func (t *transport) Write(token int, cmd command.Command) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enc.Encode(frame{
		Type:    frameCommand,
		Token:   token,
		Kind:    cmd.Kind,
		Args:    cmd.Args,
		Options: cmd.Options,
	})
}

// Read implements command.Transport. Frames of unknown type are skipped.
func (t *transport) Read() (*command.Message, error) {
	for {
		var f frame
		if err := t.dec.Decode(&f); err != nil {
			return nil, err
		}
		switch f.Type {
		case frameReply:
			return &command.Message{Reply: &command.Reply{
				Token:   f.Token,
				Class:   command.Class(f.Class),
				Results: command.Results(f.Results),
				Message: f.Message,
			}}, nil
		case frameNotify:
			return &command.Message{Notification: &command.Notification{
				Kind:    f.Kind,
				Async:   f.Async,
				Results: command.Results(f.Results),
			}}, nil
		case frameConsole:
			return &command.Message{Console: f.Text}, nil
		}
	}
}

// Close implements command.Transport by closing the write side.
func (t *transport) Close() error {
	if c, ok := t.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// conn is the backend end of the channel.
type conn struct {
	mu  sync.Mutex
	enc *cbor.Encoder
	dec *cbor.Decoder
}

func newConn(r io.Reader, w io.Writer) *conn {
	return &conn{enc: encMode.NewEncoder(w), dec: decMode.NewDecoder(r)}
}

// read returns the next command frame.
func (c *conn) read() (frame, error) {
	for {
		var f frame
		if err := c.dec.Decode(&f); err != nil {
			return frame{}, err
		}
		if f.Type == frameCommand {
			return f, nil
		}
	}
}

func (c *conn) write(frames ...frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range frames {
		if err := c.enc.Encode(f); err != nil {
			return err
		}
	}
	return nil
}
