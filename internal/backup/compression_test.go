package backup

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "tenant-backup/internal/errors"
)

func TestCompressionRoundTrip(t *testing.T) {
	payload := []byte(strings.Repeat(`{"type":"record","collection":"campaigns","id":"1"}`+"\n", 500))

	algorithms := []CompressionType{CompressionNone, CompressionGzip, CompressionLZ4, CompressionZstd}
	for _, algorithm := range algorithms {
		t.Run(string(algorithm), func(t *testing.T) {
			var buf bytes.Buffer
			w, err := NewCompressWriter(&buf, algorithm, 0)
			require.NoError(t, err)
			_, err = w.Write(payload)
			require.NoError(t, err)
			require.NoError(t, w.Close())

			if algorithm != CompressionNone {
				assert.Less(t, buf.Len(), len(payload), "repetitive input should shrink")
			}

			detected, r, err := DetectCompression(bytes.NewReader(buf.Bytes()))
			require.NoError(t, err)
			assert.Equal(t, algorithm, detected)

			rc, err := NewDecompressReader(r, detected)
			require.NoError(t, err)
			defer rc.Close()
			out, err := io.ReadAll(rc)
			require.NoError(t, err)
			assert.Equal(t, payload, out)
		})
	}
}

func TestCompressionLevels(t *testing.T) {
	assert.Equal(t, 6, normalizeLevel(CompressionGzip, 0))
	assert.Equal(t, 9, normalizeLevel(CompressionGzip, 9))
	assert.Equal(t, 3, normalizeLevel(CompressionZstd, 40))
	assert.Equal(t, 0, normalizeLevel(CompressionNone, 5))

	for _, level := range []int{1, 3, 6, 19} {
		var buf bytes.Buffer
		w, err := NewCompressWriter(&buf, CompressionZstd, level)
		require.NoError(t, err)
		_, err = w.Write([]byte("level"))
		require.NoError(t, err)
		require.NoError(t, w.Close())
	}

	var buf bytes.Buffer
	w, err := NewCompressWriter(&buf, CompressionLZ4, 9)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func TestCompressionUnsupported(t *testing.T) {
	_, err := NewCompressWriter(io.Discard, CompressionType("brotli"), 1)
	assert.True(t, appErrors.IsValidation(err))

	_, err = NewDecompressReader(strings.NewReader(""), CompressionType("brotli"))
	assert.True(t, appErrors.IsValidation(err))
}

func TestDetectCompression(t *testing.T) {
	_, _, err := DetectCompression(strings.NewReader("TBE1 sealed"))
	assert.True(t, appErrors.IsValidation(err))

	algorithm, r, err := DetectCompression(strings.NewReader("{}"))
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, algorithm)
	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(rest))

	_, err = NewDecompressReader(strings.NewReader("not gzip"), CompressionGzip)
	assert.True(t, appErrors.IsIntegrity(err))
}
