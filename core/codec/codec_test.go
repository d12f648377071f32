package codec

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/testing/protocmp"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type snapshot struct {
	Name     string `json:"name"`
	Requests uint64 `json:"requests"`
}

func TestJSONCodec(t *testing.T) {
	c, err := Get(JSON)
	require.NoError(t, err)

	data, err := c.Encode(snapshot{Name: "w0", Requests: 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"w0","requests":3}`, string(data))

	var out snapshot
	require.NoError(t, c.Decode(data, &out))
	if diff := cmp.Diff(snapshot{Name: "w0", Requests: 3}, out); diff != "" {
		t.Errorf("decoded snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestProtobufCodecMessage(t *testing.T) {
	c := ProtobufCodec{}
	data, err := c.Encode(wrapperspb.Int32(42))
	require.NoError(t, err)

	var out wrapperspb.Int32Value
	require.NoError(t, c.Decode(data, &out))
	assert.EqualValues(t, 42, out.Value)
}

func TestProtobufCodecStruct(t *testing.T) {
	c := ProtobufCodec{}
	data, err := c.Encode(snapshot{Name: "w1", Requests: 7})
	require.NoError(t, err)

	var out structpb.Struct
	require.NoError(t, c.Decode(data, &out))

	want, err := structpb.NewStruct(map[string]any{"name": "w1", "requests": 7})
	require.NoError(t, err)
	if diff := cmp.Diff(want, &out, protocmp.Transform()); diff != "" {
		t.Errorf("decoded struct mismatch (-want +got):\n%s", diff)
	}
}

func TestProtobufCodecErrors(t *testing.T) {
	c := ProtobufCodec{}
	_, err := c.Encode([]int{1, 2})
	assert.Error(t, err)
	assert.Error(t, c.Decode(nil, &snapshot{}))
}

func TestSelection(t *testing.T) {
	_, err := Get(Type(9))
	assert.True(t, errors.Is(err, ErrUnsupportedCodec))

	c, err := ByName("proto")
	require.NoError(t, err)
	assert.Equal(t, "protobuf", c.Name())
	_, err = ByName("xml")
	assert.True(t, errors.Is(err, ErrUnsupportedCodec))

	assert.Equal(t, "protobuf", Negotiate("text/html, application/x-protobuf;q=0.9").Name())
	assert.Equal(t, "json", Negotiate("*/*").Name())
	assert.Equal(t, "application/json", Negotiate("").ContentType())
}

func BenchmarkProtobufStruct(b *testing.B) {
	c := ProtobufCodec{}
	v := snapshot{Name: "bench", Requests: 1}
	for i := 0; i < b.N; i++ {
		_, _ = c.Encode(v)
	}
}
