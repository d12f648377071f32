package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/coserver/core/pools"
)

func TestTCPFrameLayout(t *testing.T) {
	frame := AppendFrame(nil, []byte("abc"))
	require.Len(t, frame, FrameHeaderSize+3)
	assert.Equal(t, []byte{0xe8, 0, 0, 0}, frame[:4])
	assert.Equal(t, []byte{0, 0, 0, 3}, frame[4:8])
	assert.Equal(t, "abc", string(frame[8:]))
}

func TestTCPDecodePartial(t *testing.T) {
	p := NewTCP(true)
	b := pools.NewBuffer(nil)
	frame := AppendFrame(nil, []byte("hello world"))

	require.NoError(t, b.Append(frame[:5]))
	assert.ErrorIs(t, p.Decode(b), ErrAgain)

	require.NoError(t, b.Append(frame[5:12]))
	assert.ErrorIs(t, p.Decode(b), ErrAgain)

	require.NoError(t, b.Append(frame[12:]))
	require.NoError(t, p.Decode(b))
	assert.Equal(t, "hello world", string(p.Request().Content()))
	assert.Equal(t, 0, b.Len())
}

func TestTCPDecodeKeepsPipelinedFrame(t *testing.T) {
	p := NewTCP(true)
	b := pools.NewBuffer(nil)
	require.NoError(t, b.Append(AppendFrame(AppendFrame(nil, []byte("one")), []byte("two"))))

	require.NoError(t, p.Decode(b))
	assert.Equal(t, "one", string(p.Request().Content()))
	require.NoError(t, p.Decode(b))
	assert.Equal(t, "two", string(p.Request().Content()))
}

func TestTCPEmptyBody(t *testing.T) {
	p := NewTCP(false)
	b := pools.NewBuffer(nil)
	require.NoError(t, b.Append(AppendFrame(nil, nil)))
	require.NoError(t, p.Decode(b))
	assert.Empty(t, p.Response().Content())
}

func TestTCPBadFlag(t *testing.T) {
	p := NewTCP(true)
	b := pools.NewBuffer(nil)
	frame := AppendFrame(nil, []byte("x"))
	binary.LittleEndian.PutUint32(frame, 0xe9)
	require.NoError(t, b.Append(frame))

	assert.ErrorIs(t, p.Decode(b), ErrBadFrameFlag)
	assert.Equal(t, 0, b.Len())
}

func TestTCPEncodeBySide(t *testing.T) {
	server := NewTCP(true)
	server.Request().SetContent([]byte("req"))
	server.Response().SetContent([]byte("resp"))
	b := pools.NewBuffer(nil)
	require.NoError(t, server.Encode(b))
	assert.Equal(t, AppendFrame(nil, []byte("resp")), b.Bytes())

	client := NewTCP(false)
	client.Request().SetContent([]byte("req"))
	b.Reset()
	require.NoError(t, client.Encode(b))
	assert.Equal(t, AppendFrame(nil, []byte("req")), b.Bytes())
}

func TestRemoteAddr(t *testing.T) {
	p := NewTCP(false)
	assert.Empty(t, p.RemoteAddr())
	p.SetRemote("127.0.0.1", 8080)
	assert.Equal(t, "127.0.0.1", p.RemoteIP())
	assert.Equal(t, "127.0.0.1:8080", p.RemoteAddr())
}
