// Package control implements the control channel between the supervisor and
// one worker process: a stream of CBOR encoded, length prefixed messages.
package control

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/ChuLiYu/procpool/pkg/types"
	cbor "github.com/fxamacker/cbor/v2"
)

// Kind tags a control message on the wire.
type Kind uint8

const (
	KindPingPong Kind = 1
	KindShutdown Kind = 2
	KindEvent    Kind = 3
	KindLog      Kind = 4
	KindStart    Kind = 5
)

func (k Kind) String() string {
	switch k {
	case KindPingPong:
		return "ping-pong"
	case KindShutdown:
		return "shutdown"
	case KindEvent:
		return "event"
	case KindLog:
		return "log"
	case KindStart:
		return "start"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Message is one of PingPong, Shutdown, Event, Log or Start.
type Message interface {
	Kind() Kind
}

// PingPong is the liveness probe; the receiver answers with another PingPong.
type PingPong struct{}

// Shutdown asks the worker to drain and exit.
type Shutdown struct{}

// Event carries an application defined payload in either direction.
type Event struct {
	Payload []byte `cbor:"1,keyasint"`
}

// Log is a log entry a worker forwards to the supervisor.
type Log struct {
	Time    time.Time      `cbor:"1,keyasint"`
	Level   string         `cbor:"2,keyasint"`
	Logger  string         `cbor:"3,keyasint,omitempty"`
	Message string         `cbor:"4,keyasint"`
	Fields  map[string]any `cbor:"5,keyasint,omitempty"`
}

// Start is the first message a worker receives.
type Start struct {
	types.StartPayload
}

func (PingPong) Kind() Kind { return KindPingPong }
func (Shutdown) Kind() Kind { return KindShutdown }
func (Event) Kind() Kind    { return KindEvent }
func (Log) Kind() Kind      { return KindLog }
func (Start) Kind() Kind    { return KindStart }

var (
	// ErrClosed indicates the channel is closed; wraps io.EOF on a clean close
	// by the peer
	ErrClosed = errors.New("control: channel closed")

	// ErrUnknownKind indicates a message kind this build does not know
	ErrUnknownKind = errors.New("control: unknown message kind")
)

type envelope struct {
	Kind Kind            `cbor:"1,keyasint"`
	Body cbor.RawMessage `cbor:"2,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encOpts := cbor.CanonicalEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	if encMode, err = encOpts.EncMode(); err != nil {
		panic(err)
	}
	decOpts := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}
	if decMode, err = decOpts.DecMode(); err != nil {
		panic(err)
	}
}

// Marshal encodes a message into a frame body.
func Marshal(msg Message) ([]byte, error) {
	var body []byte
	switch m := msg.(type) {
	case PingPong, Shutdown:
	case Event, Log, Start:
		var err error
		if body, err = encMode.Marshal(m); err != nil {
			return nil, fmt.Errorf("control: encode %s: %w", msg.Kind(), err)
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, msg)
	}
	return encMode.Marshal(envelope{Kind: msg.Kind(), Body: body})
}

// Unmarshal decodes a frame body.
func Unmarshal(data []byte) (Message, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("control: decode envelope: %w", err)
	}

	switch env.Kind {
	case KindPingPong:
		return PingPong{}, nil
	case KindShutdown:
		return Shutdown{}, nil
	case KindEvent:
		var m Event
		if err := decodeBody(env, &m); err != nil {
			return nil, err
		}
		return m, nil
	case KindLog:
		var m Log
		if err := decodeBody(env, &m); err != nil {
			return nil, err
		}
		return m, nil
	case KindStart:
		var m Start
		if err := decodeBody(env, &m); err != nil {
			return nil, err
		}
		return m, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownKind, env.Kind)
}

func decodeBody(env envelope, v any) error {
	if err := decMode.Unmarshal(env.Body, v); err != nil {
		return fmt.Errorf("control: decode %s: %w", env.Kind, err)
	}
	return nil
}
