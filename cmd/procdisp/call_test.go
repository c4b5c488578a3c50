package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	procdisp "github.com/procdisp/golang"
)

func TestParseParams(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  any
	}{
		{"json object", `{"array": [2, 1]}`, map[string]any{"array": []any{2, 1}}},
		{"yaml object", "array: [3]", map[string]any{"array": []any{3}}},
		{"scalar", "42", 42},
		{"string", `"hi"`, "hi"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseParams(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("invalid", func(t *testing.T) {
		_, err := parseParams("{unbalanced")
		assert.Error(t, err)
	})
}

func TestJSONSafe(t *testing.T) {
	in := map[string]any{
		"nested": map[any]any{int64(1): "one", "two": []any{map[any]any{true: "yes"}}},
	}

	out := jsonSafe(in)
	assert.Equal(t, map[string]any{
		"nested": map[string]any{"1": "one", "two": []any{map[string]any{"true": "yes"}}},
	}, out)
}

func TestPrintReply(t *testing.T) {
	encode := func(v any) msgpack.RawMessage {
		raw, err := msgpack.Marshal(v)
		require.NoError(t, err)
		return raw
	}

	t.Run("single value", func(t *testing.T) {
		var buf bytes.Buffer
		reply := &procdisp.Reply{Values: []msgpack.RawMessage{encode([]int{1, 2, 3})}}
		require.NoError(t, printReply(&buf, reply))
		assert.Equal(t, "[1,2,3]\n", buf.String())
	})

	t.Run("several values", func(t *testing.T) {
		var buf bytes.Buffer
		reply := &procdisp.Reply{Values: []msgpack.RawMessage{encode("answer"), encode(42)}}
		require.NoError(t, printReply(&buf, reply))
		assert.Equal(t, "[\"answer\",42]\n", buf.String())
	})

	t.Run("no values", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, printReply(&buf, &procdisp.Reply{}))
		assert.Equal(t, "[]\n", buf.String())
	})
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "procdisp version "+procdisp.Version+"\n", buf.String())
}

func TestCallCommand_RequiresWorkerPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.yaml")
	require.NoError(t, os.WriteFile(path, []byte("module:\n  name: sorter\n"), 0o600))

	rootCmd.SetArgs([]string{"call", "--config", path, "-q", "sort"})
	rootCmd.SetErr(&bytes.Buffer{})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "module.path is required")
}
