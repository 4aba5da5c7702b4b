// Package decode turns raw change-event payloads into structured values.
//
// Decoding never fails the caller: a payload that is not valid JSON is
// returned as raw text together with an *Error describing why.
package decode

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Numbers decode as json.Number so large integer columns and commit
// timestamps survive re-encoding without float rounding.
var codec = sonic.Config{
	CopyString:     true,
	ValidateString: true,
	UseNumber:      true,
}.Froze()

// Kind tags which variant of Payload is populated.
type Kind int

const (
	// Empty means the message carried no value bytes.
	Empty Kind = iota
	// Decoded means Value holds the parsed JSON value.
	Decoded
	// Raw means the bytes were not JSON and Text holds them verbatim.
	Raw
)

func (k Kind) String() string {
	switch k {
	case Empty:
		return "empty"
	case Decoded:
		return "decoded"
	case Raw:
		return "raw"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Payload is the decoded body of a change event.
type Payload struct {
	Kind  Kind
	Value any
	Text  string
}

// LogValue returns what a log record should carry for the payload:
// nil for Empty, the parsed value for Decoded, the text for Raw.
func (p Payload) LogValue() any {
	switch p.Kind {
	case Decoded:
		return p.Value
	case Raw:
		return p.Text
	default:
		return nil
	}
}

// Error describes a payload that could not be parsed as JSON.
type Error struct {
	Text string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("decode payload: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Decode parses raw as UTF-8 JSON text. The returned Payload is always
// usable; the error is non-nil only when the result is Raw.
func Decode(raw []byte) (Payload, error) {
	if len(raw) == 0 {
		return Payload{Kind: Empty}, nil
	}

	text := string(raw)
	var v any
	if err := codec.UnmarshalFromString(text, &v); err != nil {
		return Payload{Kind: Raw, Text: text}, &Error{Text: text, Err: err}
	}
	return Payload{Kind: Decoded, Value: v}, nil
}
