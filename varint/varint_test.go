package varint

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestRoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 127, 128, 300, 1 << 20, MaxValue}
	for _, x := range cases {
		enc := Encode(x)
		got, n, err := Decode(enc)
		require.NoError(t, err)
		require.Equal(t, len(enc), n)
		require.Equal(t, x, got)
		require.Equal(t, EncodedLen(x), len(enc))
	}
}

// TestRoundTripProperty checks invariant 5 from spec.md §8: decode(encode(x))
// == x for all x in [0, 2^63), with Decode consuming exactly the encoded
// bytes.
func TestRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(tb *rapid.T) {
		x := rapid.Uint64Range(0, MaxValue).Draw(tb, "x")
		enc := Encode(x)
		got, n, err := Decode(enc)
		require.NoError(tb, err)
		require.Equal(tb, x, got)
		require.Equal(tb, len(enc), n)
	})
}

func TestDecodeTruncated(t *testing.T) {
	_, _, err := Decode([]byte{0x80, 0x80})
	require.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeOverflow(t *testing.T) {
	overlong := bytes.Repeat([]byte{0x80}, MaxVarintLen+1)
	_, _, err := Decode(overlong)
	require.ErrorIs(t, err, ErrOverflow)
}

type chunkedReader struct {
	chunks [][]byte
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if len(c.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.chunks[0])
	c.chunks[0] = c.chunks[0][n:]
	if len(c.chunks[0]) == 0 {
		c.chunks = c.chunks[1:]
	}
	return n, nil
}

func TestMessageReaderCoalesced(t *testing.T) {
	var buf []byte
	buf = Append(buf, 3)
	buf = append(buf, []byte("abc")...)
	buf = Append(buf, 2)
	buf = append(buf, []byte("xy")...)

	// Deliver both messages in a single underlying Read, then verify the
	// residue buffer preserves the second message across calls.
	r := NewMessageReader(&chunkedReader{chunks: [][]byte{buf}}, 0)
	m1, err := r.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "abc", string(m1))

	m2, err := r.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "xy", string(m2))
}

func TestMessageReaderSplitAcrossReads(t *testing.T) {
	var buf []byte
	buf = Append(buf, 5)
	buf = append(buf, []byte("hello")...)

	r := NewMessageReader(&chunkedReader{chunks: [][]byte{buf[:2], buf[2:]}}, 0)
	msg, err := r.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "hello", string(msg))
}

func TestMessageReaderTooLarge(t *testing.T) {
	var buf []byte
	buf = Append(buf, 100)
	buf = append(buf, bytes.Repeat([]byte{0}, 100)...)

	r := NewMessageReader(&chunkedReader{chunks: [][]byte{buf}}, 10)
	_, err := r.ReadMessage()
	var tooLarge *MessageTooLarge
	require.ErrorAs(t, err, &tooLarge)
	require.EqualValues(t, 100, tooLarge.Size)
	require.EqualValues(t, 10, tooLarge.Max)
}

func TestMessageReaderStreamClosed(t *testing.T) {
	r := NewMessageReader(&chunkedReader{chunks: nil}, 0)
	_, err := r.ReadMessage()
	require.ErrorIs(t, err, ErrStreamClosed)
}
