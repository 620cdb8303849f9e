package secrets

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "tenant-backup/internal/errors"
)

func encryptAll(t *testing.T, material, plain []byte) []byte {
	t.Helper()
	var out bytes.Buffer
	w, err := Encrypt(material, &out)
	require.NoError(t, err)
	// uneven writes exercise frame boundaries
	for len(plain) > 0 {
		n := 7919
		if n > len(plain) {
			n = len(plain)
		}
		_, err := w.Write(plain[:n])
		require.NoError(t, err)
		plain = plain[n:]
	}
	require.NoError(t, w.Close())
	return out.Bytes()
}

func decryptAll(material, sealed []byte) ([]byte, error) {
	r, err := Decrypt(material, bytes.NewReader(sealed))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

func TestStreamRoundTrip(t *testing.T) {
	material, err := GenerateKey()
	require.NoError(t, err)

	sizes := map[string]int{
		"empty":       0,
		"small":       100,
		"exact frame": FrameSize,
		"multi frame": 3*FrameSize + 17,
	}
	for name, size := range sizes {
		t.Run(name, func(t *testing.T) {
			plain := make([]byte, size)
			_, _ = rand.Read(plain)

			sealed := encryptAll(t, material, plain)
			got, err := decryptAll(material, sealed)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(plain, got))
		})
	}
}

func TestStreamDetectsTampering(t *testing.T) {
	material, _ := GenerateKey()
	plain := bytes.Repeat([]byte("record;"), 30000)
	sealed := encryptAll(t, material, plain)

	t.Run("flipped byte", func(t *testing.T) {
		bad := append([]byte(nil), sealed...)
		bad[len(bad)/2] ^= 0xff
		_, err := decryptAll(material, bad)
		require.Error(t, err)
		assert.True(t, appErrors.IsIntegrity(err))
	})

	t.Run("truncated after a frame", func(t *testing.T) {
		cut := headerSize + 5 + FrameSize + 16
		_, err := decryptAll(material, sealed[:cut])
		require.Error(t, err)
		assert.True(t, appErrors.IsIntegrity(err))
	})

	t.Run("wrong key", func(t *testing.T) {
		other, _ := GenerateKey()
		_, err := decryptAll(other, sealed)
		require.Error(t, err)
		assert.True(t, appErrors.IsIntegrity(err))
	})

	t.Run("trailing garbage", func(t *testing.T) {
		bad := append(append([]byte(nil), sealed...), 0x01)
		_, err := decryptAll(material, bad)
		require.Error(t, err)
	})

	t.Run("not encrypted", func(t *testing.T) {
		_, err := Decrypt(material, bytes.NewReader([]byte("plain json lines here")))
		assert.True(t, appErrors.IsIntegrity(err))
	})
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	material, err := s.GenerateKey()
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx, "k1", material))
	got, err := s.Load(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, material, got)

	require.NoError(t, s.Destroy(ctx, "k1"))
	_, err = s.Load(ctx, "k1")
	assert.True(t, appErrors.IsNotFound(err))
	assert.Equal(t, 64, len(Fingerprint(material)))
}

func TestFileKeyring(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "keys", "keyring.json")

	k, err := OpenFileKeyring(path, "correct horse")
	require.NoError(t, err)
	material, _ := k.GenerateKey()
	require.NoError(t, k.Save(ctx, "k1", material))

	t.Run("reopen with passphrase", func(t *testing.T) {
		again, err := OpenFileKeyring(path, "correct horse")
		require.NoError(t, err)
		got, err := again.Load(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, material, got)
	})

	t.Run("wrong passphrase", func(t *testing.T) {
		_, err := OpenFileKeyring(path, "battery staple")
		assert.True(t, appErrors.IsValidation(err))
	})

	t.Run("missing passphrase", func(t *testing.T) {
		_, err := OpenFileKeyring(path, "")
		assert.True(t, appErrors.IsValidation(err))
	})

	t.Run("destroy persists", func(t *testing.T) {
		require.NoError(t, k.Destroy(ctx, "k1"))
		again, err := OpenFileKeyring(path, "correct horse")
		require.NoError(t, err)
		_, err = again.Load(ctx, "k1")
		assert.True(t, appErrors.IsNotFound(err))
	})
}

func TestOpen(t *testing.T) {
	s, err := Open("memory", "", "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = Open("vault", "", "")
	assert.True(t, appErrors.IsValidation(err))
}
