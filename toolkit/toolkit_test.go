package toolkit

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRejectsDuplicatesAndEmptyNames(t *testing.T) {
	r := NewRegistry()

	ok := func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return textContent("ok"), nil
	}

	require.NoError(t, r.Register(Descriptor{Name: "a"}, ok))
	require.Error(t, r.Register(Descriptor{Name: "a"}, ok))
	require.Error(t, r.Register(Descriptor{}, ok))
	require.Error(t, r.Register(Descriptor{Name: "b"}, nil))
}

func TestRegistryListIsSortedAndFlagged(t *testing.T) {
	r, err := NewDefaultRegistry()
	require.NoError(t, err)

	descs := r.List()
	require.Len(t, descs, 3)
	assert.Equal(t, "calc", descs[0].Name)
	assert.Equal(t, "echo", descs[1].Name)
	assert.Equal(t, "example_stream", descs[2].Name)

	assert.False(t, descs[0].Streaming)
	assert.False(t, descs[1].Streaming)
	assert.True(t, descs[2].Streaming)

	for _, d := range descs {
		assert.NotEmpty(t, d.Description, "%s needs a description", d.Name)
		assert.NotEmpty(t, d.ParameterSchema, "%s needs a parameter schema", d.Name)
	}
}

func TestCallUnknownTool(t *testing.T) {
	r, err := NewDefaultRegistry()
	require.NoError(t, err)

	_, err = r.Call(context.Background(), "nope", nil)
	require.ErrorIs(t, err, ErrUnknownTool)
	_, err = r.Stream(context.Background(), "nope", nil)
	require.ErrorIs(t, err, ErrUnknownTool)
}

func TestCallShapeMismatch(t *testing.T) {
	r, err := NewDefaultRegistry()
	require.NoError(t, err)

	_, err = r.Call(context.Background(), "example_stream", nil)
	require.ErrorIs(t, err, ErrStreamingOnly)
	_, err = r.Stream(context.Background(), "echo", json.RawMessage(`{"text":"x"}`))
	require.ErrorIs(t, err, ErrNotStreaming)
}

func textOf(t *testing.T, result json.RawMessage) string {
	t.Helper()
	var res struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	require.NoError(t, json.Unmarshal(result, &res))
	require.Len(t, res.Content, 1)
	require.Equal(t, "text", res.Content[0].Type)
	return res.Content[0].Text
}

func TestEcho(t *testing.T) {
	r, err := NewDefaultRegistry()
	require.NoError(t, err)

	out, err := r.Call(context.Background(), "echo", json.RawMessage(`{"text":"hello"}`))
	require.NoError(t, err)
	assert.Equal(t, "hello", textOf(t, out))

	_, err = r.Call(context.Background(), "echo", json.RawMessage(`{"text":`))
	require.Error(t, err)
}

func TestCalcEvaluatesArithmetic(t *testing.T) {
	r, err := NewDefaultRegistry()
	require.NoError(t, err)

	cases := []struct {
		expr string
		want string
	}{
		{"2 + 3 * 4", "14"},
		{"(2 + 3) * 4", "20"},
		{"10 / 4", "2"},       // integer division
		{"10.0 / 4.0", "2.5"}, // float division
		{"-7 + 2", "-5"},
	}
	for _, tc := range cases {
		out, err := r.Call(context.Background(), "calc", json.RawMessage(`{"expression":"`+tc.expr+`"}`))
		require.NoError(t, err, "expr %q", tc.expr)
		assert.Equal(t, tc.want, textOf(t, out), "expr %q", tc.expr)
	}
}

func TestCalcRejectsBadInput(t *testing.T) {
	r, err := NewDefaultRegistry()
	require.NoError(t, err)

	for _, expr := range []string{
		"",
		"2 +",            // parse error
		`"just text"`,    // not a number
		"true && false",  // not a number
		"unknown_var +1", // undeclared identifier
	} {
		_, err := r.Call(context.Background(), "calc", json.RawMessage(`{"expression":`+mustQuote(expr)+`}`))
		require.Error(t, err, "expr %q must be rejected", expr)
	}
}

func mustQuote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestExampleStreamProducesConsecutiveBatches(t *testing.T) {
	r, err := NewDefaultRegistry()
	require.NoError(t, err)

	stream, err := r.Stream(context.Background(), "example_stream",
		json.RawMessage(`{"count":3,"batch_size":4,"interval_ms":1}`))
	require.NoError(t, err)
	defer stream.Close()

	want := 1
	for i := 0; i < 3; i++ {
		raw, err := stream.Next(context.Background())
		require.NoError(t, err)

		var batch []int
		require.NoError(t, json.Unmarshal(raw, &batch))
		require.Len(t, batch, 4)
		for _, n := range batch {
			assert.Equal(t, want, n)
			want++
		}
	}

	_, err = stream.Next(context.Background())
	require.ErrorIs(t, err, io.EOF)
}

func TestExampleStreamHonorsCancellation(t *testing.T) {
	r, err := NewDefaultRegistry()
	require.NoError(t, err)

	stream, err := r.Stream(context.Background(), "example_stream",
		json.RawMessage(`{"count":0,"batch_size":1,"interval_ms":60000}`))
	require.NoError(t, err)
	defer stream.Close()

	// First batch arrives without waiting on the interval.
	_, err = stream.Next(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = stream.Next(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
