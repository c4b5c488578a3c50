package procdisp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

type shapes struct{}

func (shapes) Plain() string { return "plain" }
func (shapes) WithCtx(ctx context.Context) bool { return ctx != nil }
func (shapes) TwoParams(a, b int) int { return a + b }
func (shapes) Variadic(xs ...int) int { return len(xs) }
func (shapes) Init(ctx context.Context) error { return nil }
func (shapes) BeforeStop(ctx context.Context) error { return nil }
func (shapes) Nothing() {}
func (shapes) MaybeNil() *int { return nil }

func TestModule_Validate(t *testing.T) {
	tests := []struct {
		name    string
		module  Module
		wantErr bool
	}{
		{"default transport", Module{Name: "sorter"}, false},
		{"zmq", Module{Name: "sorter", Transport: TransportZMQ}, false},
		{"no name", Module{}, true},
		{"unknown transport", Module{Name: "sorter", Transport: "carrier-pigeon"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.module.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOptions_Decode(t *testing.T) {
	var out struct {
		Greeting string `msgpack:"greeting"`
		Limit    int    `msgpack:"limit"`
	}
	err := Options{"greeting": "hi", "limit": 3, "extra": true}.Decode(&out)
	require.NoError(t, err)
	assert.Equal(t, "hi", out.Greeting)
	assert.Equal(t, 3, out.Limit)
}

func TestInstance_Functions(t *testing.T) {
	in := newInstance("shapes", shapes{})

	t.Run("callable shapes are exposed", func(t *testing.T) {
		assert.Equal(t, []string{"MaybeNil", "Nothing", "Plain", "WithCtx"}, in.names())
	})

	t.Run("hooks are not invocable", func(t *testing.T) {
		_, ok := in.lookup("Init")
		assert.False(t, ok)
		_, ok = in.lookup("beforeStop")
		assert.False(t, ok)
	})

	t.Run("lookup", func(t *testing.T) {
		tests := []struct {
			name  string
			found bool
		}{
			{"Plain", true},
			{"plain", true},
			{"withCtx", true},
			{"PLAIN", false},
			{"_plain", false},
			{"", false},
			{"missing", false},
		}
		for _, tt := range tests {
			_, ok := in.lookup(tt.name)
			assert.Equal(t, tt.found, ok, tt.name)
		}
	})
}

func callFunction(t *testing.T, value any, name string, params any) ([]msgpack.RawMessage, error) {
	t.Helper()
	fn, ok := newInstance("test", value).lookup(name)
	require.True(t, ok, "function %s", name)

	raw, err := encodeValue(params)
	require.NoError(t, err)
	return fn.call(context.Background(), raw)
}

func TestFunction_Call(t *testing.T) {
	sorter := &testSorter{}

	t.Run("decodes params and encodes results", func(t *testing.T) {
		values, err := callFunction(t, sorter, "insertionSort", map[string]any{"array": []int{3, 1, 2}})
		require.NoError(t, err)
		require.Len(t, values, 1)

		var out []int
		require.NoError(t, msgpack.Unmarshal(values[0], &out))
		assert.Equal(t, []int{1, 2, 3}, out)
	})

	t.Run("several results", func(t *testing.T) {
		values, err := callFunction(t, sorter, "Pair", nil)
		require.NoError(t, err)

		var s string
		var n int
		require.NoError(t, (&Reply{Values: values}).Decode(&s, &n))
		assert.Equal(t, "answer", s)
		assert.Equal(t, 42, n)
	})

	t.Run("context is passed", func(t *testing.T) {
		values, err := callFunction(t, shapes{}, "WithCtx", nil)
		require.NoError(t, err)

		var ok bool
		require.NoError(t, msgpack.Unmarshal(values[0], &ok))
		assert.True(t, ok)
	})

	t.Run("no results", func(t *testing.T) {
		values, err := callFunction(t, shapes{}, "Nothing", nil)
		require.NoError(t, err)
		assert.Empty(t, values)
	})

	t.Run("nil result is encoded", func(t *testing.T) {
		values, err := callFunction(t, shapes{}, "MaybeNil", nil)
		require.NoError(t, err)
		require.Len(t, values, 1)
		assert.Equal(t, msgpack.RawMessage{msgpackNil}, values[0])
	})

	t.Run("returned error", func(t *testing.T) {
		_, err := callFunction(t, sorter, "Fail", "bad input")
		assert.EqualError(t, err, "bad input")
	})

	t.Run("panic is recovered", func(t *testing.T) {
		_, err := callFunction(t, sorter, "Panic", nil)
		assert.EqualError(t, err, "panic in 'Panic': boom")
	})

	t.Run("params of the wrong type", func(t *testing.T) {
		_, err := callFunction(t, sorter, "Fail", []int{1})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid params for 'Fail'")
	})
}
