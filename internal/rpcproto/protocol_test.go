package rpcproto

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponse_ResultAndErrorAreExclusive(t *testing.T) {
	id := json.RawMessage(`1`)

	ok := NewResult(id, map[string]any{"pong": true})
	data, err := json.Marshal(ok)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"result"`)
	assert.NotContains(t, string(data), `"error"`)

	bad := NewError(id, CodeInvalidParams, "bad target")
	data, err = json.Marshal(bad)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"error"`)
	assert.NotContains(t, string(data), `"result"`)
}

func TestLineWriterReader_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewLineWriter(&buf)

	req := Request{ID: json.RawMessage(`"r1"`), Method: MethodPing}
	require.NoError(t, w.WriteJSON(req))

	r := NewLineReader(&buf)
	var got Request
	require.NoError(t, r.ReadJSON(&got))
	assert.Equal(t, MethodPing, got.Method)
	assert.Equal(t, json.RawMessage(`"r1"`), got.ID)
}

func TestLineWriter_NoBatchingOneLinePerWrite(t *testing.T) {
	var buf bytes.Buffer
	w := NewLineWriter(&buf)
	require.NoError(t, w.WriteJSON(Request{ID: json.RawMessage(`1`), Method: "ping"}))
	require.NoError(t, w.WriteJSON(Request{ID: json.RawMessage(`2`), Method: "ls"}))

	r := NewLineReader(&buf)
	var first, second Request
	require.NoError(t, r.ReadJSON(&first))
	require.NoError(t, r.ReadJSON(&second))
	assert.Equal(t, "ping", first.Method)
	assert.Equal(t, "ls", second.Method)
}

func TestLineReader_EOFOnEmptyRead(t *testing.T) {
	r := NewLineReader(bytes.NewReader(nil))
	_, err := r.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
}
