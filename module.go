package procdisp

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"unicode"
	"unicode/utf8"

	"github.com/vmihailenco/msgpack/v5"
)

// Module identifies the code a worker process runs and how to launch it.
type Module struct {
	// Name is the module identity the worker activates as.
	Name string `yaml:"name"`
	// Path is the worker executable. Empty means the current executable.
	Path      string            `yaml:"path,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	Dir       string            `yaml:"dir,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	Transport string            `yaml:"transport,omitempty"`
	// Options is sent with the init handshake and handed to the factory.
	Options map[string]any `yaml:"options,omitempty"`
}

func (m Module) transport() string {
	if m.Transport == "" {
		return TransportPipe
	}
	return m.Transport
}

// Validate checks the module can be launched.
func (m Module) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("module name is required")
	}
	switch m.transport() {
	case TransportPipe, TransportZMQ:
	default:
		return fmt.Errorf("module %q: unknown transport %q", m.Name, m.Transport)
	}
	return nil
}

// Options is the configuration a module instance is built from.
type Options map[string]any

// Decode copies the options into v, using msgpack field names.
func (o Options) Decode(v any) error {
	data, err := msgpack.Marshal(map[string]any(o))
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode options: %w", err)
	}
	return nil
}

// Factory builds a module instance inside the worker. Every exported method
// of the returned value becomes an invocable function.
type Factory func(opts Options) (any, error)

// Modules maps module names to their factories.
type Modules map[string]Factory

// Initializer is implemented by modules that need setup before the
// handshake completes.
type Initializer interface {
	Init(ctx context.Context) error
}

// PreStopper is implemented by modules that run a hook before the worker
// stops. A failing hook aborts a graceful stop.
type PreStopper interface {
	BeforeStop(ctx context.Context) error
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// hookMethods are never invocable by name.
var hookMethods = map[string]bool{
	"Init":       true,
	"BeforeStop": true,
}

// function is an invocable method of a module instance.
type function struct {
	name     string
	method   reflect.Value
	withCtx  bool
	param    reflect.Type
	hasError bool
}

// instance is a constructed module inside a worker.
type instance struct {
	module    string
	value     any
	functions map[string]*function
}

func newInstance(module string, value any) *instance {
	in := &instance{
		module:    module,
		value:     value,
		functions: make(map[string]*function),
	}

	v := reflect.ValueOf(value)
	t := v.Type()
	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		if hookMethods[m.Name] {
			continue
		}
		if fn := newFunction(m.Name, v.Method(i)); fn != nil {
			in.functions[m.Name] = fn
		}
	}
	return in
}

// newFunction returns nil for methods with a shape that cannot be called
// with a single params payload.
func newFunction(name string, method reflect.Value) *function {
	mt := method.Type()
	if mt.IsVariadic() {
		return nil
	}

	fn := &function{name: name, method: method}
	in := 0
	if mt.NumIn() > 0 && mt.In(0) == contextType {
		fn.withCtx = true
		in = 1
	}
	switch mt.NumIn() - in {
	case 0:
	case 1:
		fn.param = mt.In(in)
	default:
		return nil
	}

	if n := mt.NumOut(); n > 0 && mt.Out(n-1) == errorType {
		fn.hasError = true
	}
	return fn
}

// lookup finds a function by exact name, then with the first letter
// upper-cased so "insertionSort" finds InsertionSort.
func (in *instance) lookup(name string) (*function, bool) {
	if name == "" || name[0] == '_' {
		return nil, false
	}
	if fn, ok := in.functions[name]; ok {
		return fn, true
	}
	r, size := utf8.DecodeRuneInString(name)
	fn, ok := in.functions[string(unicode.ToUpper(r))+name[size:]]
	return fn, ok
}

// names returns the sorted names of the invocable functions.
func (in *instance) names() []string {
	names := make([]string, 0, len(in.functions))
	for name := range in.functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// call runs fn with the encoded params and returns the encoded results.
func (fn *function) call(ctx context.Context, params msgpack.RawMessage) (values []msgpack.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in '%s': %v", fn.name, r)
		}
	}()

	args := make([]reflect.Value, 0, 2)
	if fn.withCtx {
		args = append(args, reflect.ValueOf(ctx))
	}
	if fn.param != nil {
		arg, err := decodeParam(params, fn.param)
		if err != nil {
			return nil, fmt.Errorf("invalid params for '%s': %w", fn.name, err)
		}
		args = append(args, arg)
	}

	results := fn.method.Call(args)
	if fn.hasError {
		last := results[len(results)-1]
		results = results[:len(results)-1]
		if !last.IsNil() {
			return nil, last.Interface().(error)
		}
	}

	values = make([]msgpack.RawMessage, 0, len(results))
	for i, result := range results {
		raw, err := encodeValue(result.Interface())
		if err != nil {
			return nil, fmt.Errorf("encode result %d of '%s': %w", i, fn.name, err)
		}
		if raw == nil {
			raw = msgpack.RawMessage{msgpackNil}
		}
		values = append(values, raw)
	}
	return values, nil
}

// msgpackNil is the encoding of nil.
const msgpackNil = 0xc0

// decodeParam decodes the raw params into a new value of type t. Missing
// params leave the zero value.
func decodeParam(params msgpack.RawMessage, t reflect.Type) (reflect.Value, error) {
	ptr := reflect.New(t)
	if len(params) == 0 {
		return ptr.Elem(), nil
	}
	if err := msgpack.Unmarshal(params, ptr.Interface()); err != nil {
		return reflect.Value{}, err
	}
	return ptr.Elem(), nil
}
