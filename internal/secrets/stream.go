package secrets

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	appErrors "tenant-backup/internal/errors"
)

// Stream layout:
//
//	header: magic "TBE1" | 16 byte salt | 4 byte nonce prefix
//	frame:  flag byte | uint32 ciphertext length | ciphertext
//
// Each stream seals with its own subkey derived from the key material and
// the salt. The nonce is the prefix followed by the big-endian frame counter.
// The frame flag is authenticated, so dropping trailing frames or clearing
// the final flag fails decryption.
const (
	FrameSize = 64 * 1024

	magic       = "TBE1"
	saltSize    = 16
	prefixSize  = 4
	headerSize  = len(magic) + saltSize + prefixSize
	flagMore    = byte(0)
	flagFinal   = byte(1)
	streamLabel = "tenant-backup stream v1"
)

var errTruncated = errors.New("encrypted stream is truncated")

func corrupt(message string, err error) error {
	return appErrors.NewIntegrityError(appErrors.ReasonCorruptPackage, message, err)
}

func newStreamAEAD(material, salt []byte) (cipher.AEAD, error) {
	if len(material) != KeySize {
		return nil, fmt.Errorf("key material must be %d bytes, got %d", KeySize, len(material))
	}
	sub := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, material, salt, []byte(streamLabel)), sub); err != nil {
		return nil, fmt.Errorf("derive stream key: %w", err)
	}
	block, err := aes.NewCipher(sub)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func frameNonce(prefix []byte, counter uint64) []byte {
	nonce := make([]byte, 12)
	copy(nonce, prefix)
	binary.BigEndian.PutUint64(nonce[prefixSize:], counter)
	return nonce
}

func frameAAD(header []byte, flag byte) []byte {
	aad := make([]byte, 0, len(header)+1)
	aad = append(aad, header...)
	return append(aad, flag)
}

type encryptWriter struct {
	dest    io.Writer
	aead    cipher.AEAD
	header  []byte
	prefix  []byte
	counter uint64
	buf     []byte
	closed  bool
}

// Encrypt returns a writer that seals everything written to it onto w.
// Close writes the final frame; it does not close w.
func Encrypt(material []byte, w io.Writer) (io.WriteCloser, error) {
	header := make([]byte, headerSize)
	copy(header, magic)
	if _, err := io.ReadFull(rand.Reader, header[len(magic):]); err != nil {
		return nil, fmt.Errorf("generate stream salt: %w", err)
	}
	salt := header[len(magic) : len(magic)+saltSize]
	aead, err := newStreamAEAD(material, salt)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(header); err != nil {
		return nil, err
	}
	return &encryptWriter{
		dest:   w,
		aead:   aead,
		header: header,
		prefix: header[len(magic)+saltSize:],
		buf:    make([]byte, 0, FrameSize),
	}, nil
}

func (w *encryptWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errors.New("write to closed encrypt stream")
	}
	total := len(p)
	for len(p) > 0 {
		n := copy(w.buf[len(w.buf):cap(w.buf)], p)
		w.buf = w.buf[:len(w.buf)+n]
		p = p[n:]
		if len(w.buf) == FrameSize {
			if err := w.flush(flagMore); err != nil {
				return 0, err
			}
		}
	}
	return total, nil
}

// Close seals the buffered tail as the final frame
func (w *encryptWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.flush(flagFinal)
}

func (w *encryptWriter) flush(flag byte) error {
	sealed := w.aead.Seal(nil, frameNonce(w.prefix, w.counter), w.buf, frameAAD(w.header, flag))
	w.counter++
	w.buf = w.buf[:0]

	var head [5]byte
	head[0] = flag
	binary.BigEndian.PutUint32(head[1:], uint32(len(sealed)))
	if _, err := w.dest.Write(head[:]); err != nil {
		return err
	}
	_, err := w.dest.Write(sealed)
	return err
}

type decryptReader struct {
	src     io.Reader
	aead    cipher.AEAD
	header  []byte
	prefix  []byte
	counter uint64
	plain   bytes.Reader
	done    bool
}

// Decrypt reads the stream header from r and returns a reader of the
// plaintext. Authentication failures and truncation surface as integrity
// errors from Read.
func Decrypt(material []byte, r io.Reader) (io.Reader, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, corrupt("failed to read encryption header", err)
	}
	if string(header[:len(magic)]) != magic {
		return nil, corrupt("not an encrypted backup stream", nil)
	}
	aead, err := newStreamAEAD(material, header[len(magic):len(magic)+saltSize])
	if err != nil {
		return nil, err
	}
	return &decryptReader{
		src:    r,
		aead:   aead,
		header: header,
		prefix: header[len(magic)+saltSize:],
	}, nil
}

func (d *decryptReader) Read(p []byte) (int, error) {
	for d.plain.Len() == 0 {
		if d.done {
			return 0, io.EOF
		}
		if err := d.next(); err != nil {
			return 0, err
		}
	}
	return d.plain.Read(p)
}

func (d *decryptReader) next() error {
	var head [5]byte
	if _, err := io.ReadFull(d.src, head[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return corrupt("encrypted stream ended before its final frame", errTruncated)
		}
		return err
	}
	flag := head[0]
	if flag != flagMore && flag != flagFinal {
		return corrupt("invalid frame flag", nil)
	}
	size := binary.BigEndian.Uint32(head[1:])
	if size > FrameSize+uint32(d.aead.Overhead()) {
		return corrupt("frame exceeds maximum size", nil)
	}

	sealed := make([]byte, size)
	if _, err := io.ReadFull(d.src, sealed); err != nil {
		return corrupt("encrypted frame is truncated", err)
	}
	plain, err := d.aead.Open(nil, frameNonce(d.prefix, d.counter), sealed, frameAAD(d.header, flag))
	if err != nil {
		return corrupt("failed to decrypt frame", err)
	}
	d.counter++
	d.plain.Reset(plain)

	if flag == flagFinal {
		d.done = true
		var extra [1]byte
		if n, _ := d.src.Read(extra[:]); n > 0 {
			return corrupt("data after final frame", nil)
		}
	}
	return nil
}
