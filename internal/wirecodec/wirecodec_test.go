package wirecodec_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaydb/synctree/internal/wirecodec"
	"github.com/relaydb/synctree/node"
	"github.com/relaydb/synctree/path"
)

func TestNodeRoundTripsLeaf(t *testing.T) {
	for _, v := range []any{nil, "hello", true, 3.14} {
		var buf bytes.Buffer
		require.NoError(t, wirecodec.EncodeNode(&buf, node.Leaf(v)))

		got, err := wirecodec.DecodeNode(bytes.NewReader(buf.Bytes()))
		require.NoError(t, err)
		require.True(t, got.Equal(node.Leaf(v)))
	}
}

func TestNodeRoundTripsNestedTree(t *testing.T) {
	n := node.Empty.
		UpdateImmediateChild("a", node.Leaf("1")).
		UpdateImmediateChild("b", node.Empty.UpdateImmediateChild("c", node.Leaf(2.0)))

	var buf bytes.Buffer
	require.NoError(t, wirecodec.EncodeNode(&buf, n))

	got, err := wirecodec.DecodeNode(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.True(t, got.Equal(n))
}

func TestPathRoundTrips(t *testing.T) {
	p := path.Parse("a/b/c")

	var buf bytes.Buffer
	require.NoError(t, wirecodec.EncodePath(&buf, p))

	got, err := wirecodec.DecodePath(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.True(t, got.Equal(p))
}

func TestDecodePathRejectsReservedCharacters(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, wirecodec.EncodePath(&buf, path.New("a$b")))

	_, err := wirecodec.DecodePath(bytes.NewReader(buf.Bytes()))
	require.Error(t, err, "a decoded segment containing a reserved character must be rejected, not silently accepted")
}

func TestFrameRoundTripsOverwrite(t *testing.T) {
	f := wirecodec.Frame{
		Kind: wirecodec.FrameOverwrite,
		Tag:  7,
		At:   path.Parse("a/b"),
		Node: node.Leaf("v"),
	}
	data, err := wirecodec.Encode(f)
	require.NoError(t, err)

	got, err := wirecodec.Decode(data)
	require.NoError(t, err)
	require.Equal(t, wirecodec.FrameOverwrite, got.Kind)
	require.Equal(t, uint64(7), got.Tag)
	require.True(t, got.At.Equal(f.At))
	require.True(t, got.Node.Equal(f.Node))
}

func TestFrameRoundTripsMerge(t *testing.T) {
	f := wirecodec.Frame{
		Kind: wirecodec.FrameMerge,
		At:   path.Empty,
		Changes: map[string]node.Node{
			"a": node.Leaf("1"),
			"b": node.Leaf("2"),
		},
	}
	data, err := wirecodec.Encode(f)
	require.NoError(t, err)

	got, err := wirecodec.Decode(data)
	require.NoError(t, err)
	require.Len(t, got.Changes, 2)
	require.True(t, got.Changes["a"].Equal(node.Leaf("1")))
	require.True(t, got.Changes["b"].Equal(node.Leaf("2")))
}

func TestFrameRoundTripsListenComplete(t *testing.T) {
	f := wirecodec.Frame{Kind: wirecodec.FrameListenComplete, At: path.Parse("a")}
	data, err := wirecodec.Encode(f)
	require.NoError(t, err)

	got, err := wirecodec.Decode(data)
	require.NoError(t, err)
	require.Equal(t, wirecodec.FrameListenComplete, got.Kind)
	require.True(t, got.At.Equal(f.At))
}
