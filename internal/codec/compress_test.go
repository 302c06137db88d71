package codec_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelotes/gamebook-studio-sub000/internal/codec"
	"github.com/pixelotes/gamebook-studio-sub000/internal/state"
)

func TestCompressRoundTrip(t *testing.T) {
	t.Parallel()

	layers := []state.Layer{{
		ID:      "l1",
		Visible: true,
		Annotations: []state.Annotation{{
			ID:     "a1",
			Kind:   state.AnnotationPath,
			Points: []state.Point{{X: 1, Y: 2}, {X: 3, Y: 4}, {X: 5, Y: 6}},
		}},
	}}

	encoded, err := codec.CompressJSON(layers)
	require.NoError(t, err)
	require.NotEmpty(t, encoded)

	var decoded []state.Layer
	require.NoError(t, codec.DecompressJSON(encoded, &decoded))
	assert.Equal(t, layers, decoded)
}

func TestCompressShrinksRepetitivePayloads(t *testing.T) {
	t.Parallel()

	// A long freehand path compresses well.
	points := make([]state.Point, 2000)
	encoded, err := codec.CompressJSON(points)
	require.NoError(t, err)
	assert.Less(t, len(encoded), 2000)
}

func TestDecompressRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := codec.Decompress("not base64!!")
	assert.Error(t, err)

	_, err = codec.Decompress("aGVsbG8=") // valid base64, not deflate
	assert.Error(t, err)
}
