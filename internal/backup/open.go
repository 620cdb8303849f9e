package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"tenant-backup/internal/audit"
	appErrors "tenant-backup/internal/errors"
	"tenant-backup/internal/model"
	"tenant-backup/internal/secrets"
	"tenant-backup/internal/storage"
	"tenant-backup/internal/store"
)

// Package is an opened backup package. Close releases the blob and decoders.
type Package struct {
	*PackageReader
	closers []io.Closer
}

// Close releases everything the package holds open
func (p *Package) Close() error {
	var first error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	p.closers = nil
	return first
}

// checksum hashes the stored blob and compares it with the recorded digest
func (e *Engine) checksum(ctx context.Context, b *model.Backup) error {
	if !b.Restorable() {
		return appErrors.NewValidationError(appErrors.ReasonInvalidState,
			fmt.Sprintf("backup %s is %s and cannot be read", b.BackupNumber, b.Status))
	}
	blob, err := e.storage.Get(ctx, storage.Location(b.FilePath))
	if err != nil {
		return err
	}
	defer blob.Close()

	h := sha256.New()
	if _, err := io.Copy(h, storage.WithContext(ctx, blob)); err != nil {
		return appErrors.WrapError(err, "failed to read backup blob")
	}
	sum := hex.EncodeToString(h.Sum(nil))
	if sum != b.ChecksumSHA256 {
		err := appErrors.NewIntegrityError(appErrors.ReasonChecksumMismatch,
			fmt.Sprintf("backup %s does not match its recorded checksum", b.BackupNumber), nil).
			WithContext("expected", b.ChecksumSHA256).
			WithContext("actual", sum)
		e.logger.LogIntegrityFailure(map[string]interface{}{
			"tenant_id": b.TenantID,
			"backup_id": b.ID,
			"location":  b.FilePath,
		}, err)
		return err
	}
	return nil
}

// Open verifies the blob checksum and returns a reader over the decoded
// package. Section checksums are verified as sections are read.
func (e *Engine) Open(ctx context.Context, b *model.Backup) (*Package, error) {
	if err := e.checksum(ctx, b); err != nil {
		return nil, err
	}

	blob, err := e.storage.Get(ctx, storage.Location(b.FilePath))
	if err != nil {
		return nil, err
	}
	pkg := &Package{closers: []io.Closer{blob}}

	var r io.Reader = storage.WithContext(ctx, blob)
	if b.IsEncrypted {
		material, err := e.keys.Material(ctx, b.TenantID, b.EncryptionKeyID)
		if err != nil {
			pkg.Close()
			return nil, err
		}
		if r, err = secrets.Decrypt(material, r); err != nil {
			pkg.Close()
			return nil, err
		}
	}

	decoded, err := NewDecompressReader(r, CompressionType(b.Compression))
	if err != nil {
		pkg.Close()
		return nil, err
	}
	pkg.closers = append(pkg.closers, decoded)

	reader, err := NewPackageReader(decoded)
	if err != nil {
		pkg.Close()
		return nil, err
	}
	if reader.Header().TenantID != b.TenantID {
		pkg.Close()
		return nil, appErrors.NewIntegrityError(appErrors.ReasonCorruptPackage,
			fmt.Sprintf("backup %s holds another tenant's package", b.BackupNumber), nil)
	}
	pkg.PackageReader = reader
	return pkg, nil
}

// OpenUpload opens an operator supplied package. Uploads carry no backup
// record, so they cannot be encrypted and only section checksums apply.
func (e *Engine) OpenUpload(ctx context.Context, tenantID string, loc storage.Location) (*Package, error) {
	blob, err := e.storage.Get(ctx, loc)
	if err != nil {
		return nil, err
	}
	pkg := &Package{closers: []io.Closer{blob}}

	algorithm, r, err := DetectCompression(storage.WithContext(ctx, blob))
	if err != nil {
		pkg.Close()
		return nil, err
	}
	decoded, err := NewDecompressReader(r, algorithm)
	if err != nil {
		pkg.Close()
		return nil, err
	}
	pkg.closers = append(pkg.closers, decoded)

	reader, err := NewPackageReader(decoded)
	if err != nil {
		pkg.Close()
		return nil, err
	}
	if reader.Header().TenantID != tenantID {
		pkg.Close()
		return nil, appErrors.NewValidationError(appErrors.ReasonInvalidInput,
			"uploaded package belongs to another tenant")
	}
	pkg.PackageReader = reader
	return pkg, nil
}

// Verify reads a backup end to end: the blob checksum, every section
// checksum and the manifest.
func (e *Engine) Verify(ctx context.Context, b *model.Backup) (Manifest, error) {
	pkg, err := e.Open(ctx, b)
	if err != nil {
		return Manifest{}, err
	}
	defer pkg.Close()

	for {
		_, err := pkg.NextCategory()
		if err == io.EOF {
			break
		}
		if err != nil {
			if appErrors.IsIntegrity(err) {
				e.logger.LogIntegrityFailure(map[string]interface{}{
					"tenant_id": b.TenantID,
					"backup_id": b.ID,
				}, err)
			}
			return Manifest{}, err
		}
	}
	m, _ := pkg.Manifest()
	return m, nil
}

// Download copies the stored blob to w after checking its checksum
func (e *Engine) Download(ctx context.Context, b *model.Backup, w io.Writer, actor string) (int64, error) {
	if err := e.checksum(ctx, b); err != nil {
		return 0, err
	}
	blob, err := e.storage.Get(ctx, storage.Location(b.FilePath))
	if err != nil {
		return 0, err
	}
	defer blob.Close()

	n, err := io.Copy(w, storage.WithContext(ctx, blob))
	if err != nil {
		return n, appErrors.WrapError(err, "failed to copy backup")
	}

	now := e.clock.Now().UTC()
	if err := store.NewBackupRepo(e.db).RecordDownload(ctx, b.ID, now); err != nil {
		return n, err
	}
	b.DownloadCount++
	b.DownloadedAt = now
	if e.audit != nil {
		if err := e.audit.Record(ctx, audit.Entry{
			TenantID:   b.TenantID,
			Action:     "backup.downloaded",
			EntityType: model.EntityBackup,
			EntityID:   b.ID,
			Actor:      actor,
			Details:    map[string]interface{}{"size_bytes": n},
		}); err != nil {
			return n, err
		}
	}
	return n, nil
}
