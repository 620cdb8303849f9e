package backup

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	appErrors "tenant-backup/internal/errors"
)

// CompressionType names the stream compressor recorded on a backup
type CompressionType string

const (
	CompressionNone CompressionType = "none"
	CompressionGzip CompressionType = "gzip"
	CompressionLZ4  CompressionType = "lz4"
	CompressionZstd CompressionType = "zstd"
)

// levelRange bounds the accepted level of an algorithm
type levelRange struct {
	min, max, def int
}

var compressionLevels = map[CompressionType]levelRange{
	CompressionGzip: {min: gzip.BestSpeed, max: gzip.BestCompression, def: 6},
	CompressionLZ4:  {min: 1, max: 12, def: 1},
	CompressionZstd: {min: 1, max: 22, def: 3},
}

// normalizeLevel falls back to the algorithm default when level is out of range
func normalizeLevel(algorithm CompressionType, level int) int {
	r, ok := compressionLevels[algorithm]
	if !ok {
		return 0
	}
	if level < r.min || level > r.max {
		return r.def
	}
	return level
}

func compressionError(message string, err error) error {
	return appErrors.NewAppError(appErrors.ErrorTypeInternal, appErrors.ReasonInternal, message, err)
}

// NewCompressWriter wraps w with the algorithm's encoder. Closing the
// returned writer flushes the encoder but does not close w.
func NewCompressWriter(w io.Writer, algorithm CompressionType, level int) (io.WriteCloser, error) {
	level = normalizeLevel(algorithm, level)

	switch algorithm {
	case CompressionNone, "":
		return nopWriteCloser{w}, nil
	case CompressionGzip:
		gw, err := gzip.NewWriterLevel(w, level)
		if err != nil {
			return nil, compressionError("failed to create gzip writer", err)
		}
		return gw, nil
	case CompressionLZ4:
		lw := lz4.NewWriter(w)
		// lz4 only distinguishes fast from high compression
		if level > 6 {
			if err := lw.Apply(lz4.CompressionLevelOption(lz4.Level9)); err != nil {
				return nil, compressionError("failed to set LZ4 high compression", err)
			}
		}
		return lw, nil
	case CompressionZstd:
		var encoderLevel zstd.EncoderLevel
		switch {
		case level <= 1:
			encoderLevel = zstd.SpeedFastest
		case level <= 3:
			encoderLevel = zstd.SpeedDefault
		case level <= 6:
			encoderLevel = zstd.SpeedBetterCompression
		default:
			encoderLevel = zstd.SpeedBestCompression
		}
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(encoderLevel))
		if err != nil {
			return nil, compressionError("failed to create zstd encoder", err)
		}
		return zw, nil
	}
	return nil, appErrors.NewValidationError(appErrors.ReasonInvalidInput,
		fmt.Sprintf("unsupported compression algorithm: %s", algorithm))
}

// NewDecompressReader wraps r with the algorithm's decoder
func NewDecompressReader(r io.Reader, algorithm CompressionType) (io.ReadCloser, error) {
	switch algorithm {
	case CompressionNone, "":
		return io.NopCloser(r), nil
	case CompressionGzip:
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, corrupt("failed to read gzip stream", err)
		}
		return gr, nil
	case CompressionLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case CompressionZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, corrupt("failed to read zstd stream", err)
		}
		return zr.IOReadCloser(), nil
	}
	return nil, appErrors.NewValidationError(appErrors.ReasonInvalidInput,
		fmt.Sprintf("unsupported compression algorithm: %s", algorithm))
}

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	lz4Magic  = []byte{0x04, 0x22, 0x4d, 0x18}
	tbeMagic  = []byte("TBE1")
)

// DetectCompression peeks at the head of an uploaded blob. The returned
// reader replays the peeked bytes.
func DetectCompression(r io.Reader) (CompressionType, io.Reader, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(4)
	if err != nil && err != io.EOF {
		return "", nil, appErrors.WrapError(err, "failed to read blob header")
	}
	switch {
	case bytes.HasPrefix(head, tbeMagic):
		return "", nil, appErrors.NewValidationError(appErrors.ReasonInvalidInput,
			"encrypted packages can only be restored through their backup record")
	case bytes.HasPrefix(head, zstdMagic):
		return CompressionZstd, br, nil
	case bytes.HasPrefix(head, lz4Magic):
		return CompressionLZ4, br, nil
	case bytes.HasPrefix(head, gzipMagic):
		return CompressionGzip, br, nil
	}
	return CompressionNone, br, nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
