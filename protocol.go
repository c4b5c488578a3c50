package procdisp

import (
	"errors"
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Kind is the command a message carries between an owner and its worker.
type Kind string

const (
	KindInit   Kind = "init"
	KindInvoke Kind = "invoke"
	KindStop   Kind = "stop"
)

// Valid reports whether k is one of the protocol commands.
func (k Kind) Valid() bool {
	switch k {
	case KindInit, KindInvoke, KindStop:
		return true
	}
	return false
}

// Message is the envelope exchanged over a worker channel.
//
// Requests carry Params (and Force for stop). Replies echo Kind, Token,
// Function and SentAt, and carry the reply arguments: Error first, then the
// encoded Values.
type Message struct {
	Kind     Kind                 `msgpack:"kind"`
	Token    string               `msgpack:"token,omitempty"`
	Function string               `msgpack:"function,omitempty"`
	Params   msgpack.RawMessage   `msgpack:"params,omitempty"`
	Force    bool                 `msgpack:"force,omitempty"`
	SentAt   int64                `msgpack:"sent_at,omitempty"`
	Error    *RemoteError         `msgpack:"error,omitempty"`
	Values   []msgpack.RawMessage `msgpack:"values,omitempty"`
}

// NewInit creates the handshake request carrying the module options.
// Init is the only request without a correlation token.
func NewInit(options msgpack.RawMessage) *Message {
	return &Message{
		Kind:   KindInit,
		Params: options,
		SentAt: nowMillis(),
	}
}

// NewInvoke creates a function call request.
func NewInvoke(token, function string, params msgpack.RawMessage) *Message {
	return &Message{
		Kind:     KindInvoke,
		Token:    token,
		Function: function,
		Params:   params,
		SentAt:   nowMillis(),
	}
}

// NewStop creates a stop request.
func NewStop(token string, force bool) *Message {
	return &Message{
		Kind:   KindStop,
		Token:  token,
		Force:  force,
		SentAt: nowMillis(),
	}
}

// Reply builds the reply to m with the given reply arguments.
func (m *Message) Reply(err *RemoteError, values []msgpack.RawMessage) *Message {
	return &Message{
		Kind:     m.Kind,
		Token:    m.Token,
		Function: m.Function,
		Force:    m.Force,
		SentAt:   m.SentAt,
		Error:    err,
		Values:   values,
	}
}

// Elapsed returns the time since the request was sent, or zero when the
// message carries no send timestamp.
func (m *Message) Elapsed() time.Duration {
	if m.SentAt <= 0 {
		return 0
	}
	return time.Since(time.UnixMilli(m.SentAt))
}

// Pack serializes the message to msgpack
func (m *Message) Pack() ([]byte, error) {
	return msgpack.Marshal(m)
}

// errInvalidMessage marks a message that decoded but failed validation.
// The stream itself is still usable.
var errInvalidMessage = errors.New("invalid message")

const (
	maxMessageSize = 10 * 1024 * 1024 // 10MB
	maxReplyValues = 10000
	maxTokenLength = 256
)

// Unpack deserializes a message from msgpack with safety validations
func Unpack(data []byte) (*Message, error) {
	if len(data) > maxMessageSize {
		return nil, fmt.Errorf("message size %d exceeds limit %d", len(data), maxMessageSize)
	}

	var msg Message
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode failed: %w", err)
	}
	if err := validateMessage(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// readMessage decodes the next message from a stream.
func readMessage(dec *msgpack.Decoder) (*Message, error) {
	var msg Message
	if err := dec.Decode(&msg); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("decode failed: %w", err)
	}
	if err := validateMessage(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func validateMessage(msg *Message) error {
	if !msg.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", errInvalidMessage, msg.Kind)
	}
	if len(msg.Token) > maxTokenLength {
		return fmt.Errorf("%w: token length %d exceeds limit %d", errInvalidMessage, len(msg.Token), maxTokenLength)
	}
	if len(msg.Values) > maxReplyValues {
		return fmt.Errorf("%w: reply carries %d values, limit %d", errInvalidMessage, len(msg.Values), maxReplyValues)
	}
	if msg.SentAt < 0 {
		msg.SentAt = 0
	}
	return nil
}

// encodeValue encodes v for the Params or Values fields.
func encodeValue(v any) (msgpack.RawMessage, error) {
	switch raw := v.(type) {
	case nil:
		return nil, nil
	case msgpack.RawMessage:
		return raw, nil
	}
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return data, nil
}

// encodeOptions encodes the init payload. Values msgpack cannot carry
// (functions, channels, unsafe pointers) and cyclic references are dropped.
func encodeOptions(options map[string]any) (msgpack.RawMessage, error) {
	if options == nil {
		return nil, nil
	}
	return encodeValue(sanitize(reflect.ValueOf(options), map[uintptr]bool{}))
}

func sanitize(v reflect.Value, seen map[uintptr]bool) any {
	if !v.IsValid() {
		return nil
	}

	switch v.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return nil
	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return sanitize(v.Elem(), seen)
	case reflect.Ptr:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if seen[ptr] {
			return nil
		}
		seen[ptr] = true
		defer delete(seen, ptr)
		return sanitize(v.Elem(), seen)
	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if seen[ptr] {
			return nil
		}
		seen[ptr] = true
		defer delete(seen, ptr)

		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			val := sanitize(iter.Value(), seen)
			if val == nil && droppable(iter.Value()) {
				continue
			}
			out[fmt.Sprint(iter.Key().Interface())] = val
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return v.Bytes()
		}
		fallthrough
	case reflect.Array:
		out := make([]any, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			out = append(out, sanitize(v.Index(i), seen))
		}
		return out
	case reflect.Struct:
		if t, ok := v.Interface().(time.Time); ok {
			return t
		}
		out := make(map[string]any, v.NumField())
		typ := v.Type()
		for i := 0; i < v.NumField(); i++ {
			field := typ.Field(i)
			if !field.IsExported() {
				continue
			}
			name := fieldName(field)
			if name == "-" {
				continue
			}
			val := sanitize(v.Field(i), seen)
			if val == nil && droppable(v.Field(i)) {
				continue
			}
			out[name] = val
		}
		return out
	}
	return v.Interface()
}

// droppable reports whether a nil sanitize result came from a value that must
// be removed rather than kept as an explicit nil.
func droppable(v reflect.Value) bool {
	for v.Kind() == reflect.Interface && !v.IsNil() {
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return true
	case reflect.Ptr, reflect.Map:
		return !v.IsNil()
	}
	return false
}

func fieldName(field reflect.StructField) string {
	for _, key := range []string{"msgpack", "json", "yaml"} {
		tag := field.Tag.Get(key)
		if tag == "" {
			continue
		}
		for i := 0; i < len(tag); i++ {
			if tag[i] == ',' {
				tag = tag[:i]
				break
			}
		}
		if tag != "" {
			return tag
		}
	}
	return field.Name
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
