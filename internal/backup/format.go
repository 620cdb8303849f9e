package backup

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"iter"
	"time"

	"tenant-backup/internal/catalog"
	appErrors "tenant-backup/internal/errors"
	"tenant-backup/internal/model"
)

// Package format identifiers written into every header and manifest
const (
	FormatName    = "tenant-backup"
	FormatVersion = "1"
)

// A package is a stream of JSON lines:
//
//	{"type":"header",...}
//	{"type":"category","category":{...}}      once per category
//	{"type":"record","collection":...}        zero or more
//	{"type":"category_end","category":{...}}  counts and checksum
//	{"type":"manifest","manifest":{...}}      trailer
//
// A category's checksum is the SHA-256 of its record lines as written.
const (
	entryHeader      = "header"
	entryCategory    = "category"
	entryRecord      = "record"
	entryCategoryEnd = "category_end"
	entryManifest    = "manifest"
)

// Header opens a package
type Header struct {
	Format       string    `json:"format"`
	Version      string    `json:"version"`
	TenantID     string    `json:"tenant_id"`
	BackupID     string    `json:"backup_id"`
	BackupNumber string    `json:"backup_number"`
	BackupType   string    `json:"backup_type"`
	CreatedAt    time.Time `json:"created_at"`
}

// CategoryEntry describes one category section of a package
type CategoryEntry struct {
	Name        string             `json:"name"`
	Label       string             `json:"label"`
	Kind        model.CategoryKind `json:"kind"`
	Collections int                `json:"collection_count"`
	RecordCount int64              `json:"record_count"`
	SizeBytes   int64              `json:"size_bytes"`
	Checksum    string             `json:"checksum,omitempty"`
}

// Manifest is the package trailer
type Manifest struct {
	Format     string          `json:"format"`
	Version    string          `json:"version"`
	Categories []CategoryEntry `json:"categories"`
}

type entry struct {
	Type       string                 `json:"type"`
	Header     *Header                `json:"header,omitempty"`
	Category   *CategoryEntry         `json:"category,omitempty"`
	Collection string                 `json:"collection,omitempty"`
	ID         string                 `json:"id,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
	Manifest   *Manifest              `json:"manifest,omitempty"`
}

func corrupt(message string, err error) error {
	return appErrors.NewIntegrityError(appErrors.ReasonCorruptPackage, message, err)
}

// PackageWriter serializes categories and records into a package stream
type PackageWriter struct {
	w        io.Writer
	current  *CategoryEntry
	seen     map[string]struct{}
	hasher   hash.Hash
	manifest Manifest
	closed   bool
}

// NewPackageWriter writes the header and returns a writer for the body
func NewPackageWriter(w io.Writer, h Header) (*PackageWriter, error) {
	h.Format = FormatName
	h.Version = FormatVersion
	pw := &PackageWriter{
		w:        w,
		manifest: Manifest{Format: FormatName, Version: FormatVersion},
	}
	if _, err := pw.writeEntry(entry{Type: entryHeader, Header: &h}); err != nil {
		return nil, err
	}
	return pw, nil
}

func (pw *PackageWriter) writeEntry(e entry) ([]byte, error) {
	line, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode package entry: %w", err)
	}
	line = append(line, '\n')
	if _, err := pw.w.Write(line); err != nil {
		return nil, err
	}
	return line, nil
}

// BeginCategory starts a category section
func (pw *PackageWriter) BeginCategory(c catalog.Category) error {
	if pw.current != nil {
		return fmt.Errorf("category %s is still open", pw.current.Name)
	}
	pw.current = &CategoryEntry{Name: c.Name, Label: c.Label, Kind: c.Kind()}
	pw.seen = make(map[string]struct{})
	pw.hasher = sha256.New()
	_, err := pw.writeEntry(entry{Type: entryCategory, Category: &CategoryEntry{
		Name:  c.Name,
		Label: c.Label,
		Kind:  c.Kind(),
	}})
	return err
}

// WriteRecord appends a record to the open category
func (pw *PackageWriter) WriteRecord(rec catalog.Record) error {
	if pw.current == nil {
		return fmt.Errorf("no category is open")
	}
	line, err := pw.writeEntry(entry{
		Type:       entryRecord,
		Collection: rec.Collection,
		ID:         rec.ID,
		Fields:     rec.Fields,
	})
	if err != nil {
		return err
	}
	pw.hasher.Write(line)
	pw.current.RecordCount++
	pw.current.SizeBytes += int64(len(line))
	if _, ok := pw.seen[rec.Collection]; !ok {
		pw.seen[rec.Collection] = struct{}{}
		pw.current.Collections++
	}
	return nil
}

// EndCategory closes the open category and returns its totals
func (pw *PackageWriter) EndCategory() (CategoryEntry, error) {
	if pw.current == nil {
		return CategoryEntry{}, fmt.Errorf("no category is open")
	}
	done := *pw.current
	done.Checksum = hex.EncodeToString(pw.hasher.Sum(nil))
	pw.current = nil
	if _, err := pw.writeEntry(entry{Type: entryCategoryEnd, Category: &done}); err != nil {
		return CategoryEntry{}, err
	}
	pw.manifest.Categories = append(pw.manifest.Categories, done)
	return done, nil
}

// Close writes the manifest trailer. It does not close the underlying writer.
func (pw *PackageWriter) Close() error {
	if pw.closed {
		return nil
	}
	if pw.current != nil {
		return fmt.Errorf("category %s is still open", pw.current.Name)
	}
	pw.closed = true
	m := pw.manifest
	_, err := pw.writeEntry(entry{Type: entryManifest, Manifest: &m})
	return err
}

// Manifest returns what has been written so far
func (pw *PackageWriter) Manifest() Manifest {
	return pw.manifest
}

// PackageReader reads a package stream category by category. Each category's
// checksum is verified when its section ends, whether or not the caller
// consumed its records.
type PackageReader struct {
	r        *bufio.Reader
	header   Header
	open     *Section
	manifest *Manifest
	seen     []CategoryEntry
}

// NewPackageReader reads and checks the package header
func NewPackageReader(r io.Reader) (*PackageReader, error) {
	pr := &PackageReader{r: bufio.NewReaderSize(r, 64*1024)}
	e, _, err := pr.next()
	if err == io.EOF {
		return nil, corrupt("package is empty", nil)
	}
	if err != nil {
		return nil, err
	}
	if e.Type != entryHeader || e.Header == nil {
		return nil, corrupt("package does not start with a header", nil)
	}
	if e.Header.Format != FormatName {
		return nil, corrupt(fmt.Sprintf("unknown package format %q", e.Header.Format), nil)
	}
	if e.Header.Version != FormatVersion {
		return nil, corrupt(fmt.Sprintf("unsupported package version %q", e.Header.Version), nil)
	}
	pr.header = *e.Header
	return pr, nil
}

// Header returns the package header
func (pr *PackageReader) Header() Header {
	return pr.header
}

// next returns the next entry and its raw line
func (pr *PackageReader) next() (*entry, []byte, error) {
	line, err := pr.r.ReadBytes('\n')
	if err == io.EOF && len(line) == 0 {
		return nil, nil, io.EOF
	}
	if err != nil && err != io.EOF {
		var appErr *appErrors.AppError
		if errors.As(err, &appErr) {
			return nil, nil, err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, appErrors.WrapError(err, "package read interrupted")
		}
		return nil, nil, corrupt("failed to read package", err)
	}
	if err == io.EOF {
		return nil, nil, corrupt("package ends in the middle of an entry", nil)
	}

	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var e entry
	if err := dec.Decode(&e); err != nil {
		return nil, nil, corrupt("failed to decode package entry", err)
	}
	return &e, line, nil
}

// Section is one category of a package being read
type Section struct {
	CategoryEntry
	pr     *PackageReader
	hasher hash.Hash
	count  int64
	size   int64
	done   bool
	err    error
}

// NextCategory advances to the next category section, skipping whatever is
// left of the current one. It returns io.EOF after the manifest.
func (pr *PackageReader) NextCategory() (*Section, error) {
	if pr.open != nil && !pr.open.done {
		if err := pr.open.drain(); err != nil {
			return nil, err
		}
	}
	pr.open = nil

	e, _, err := pr.next()
	if err == io.EOF {
		return nil, corrupt("package is truncated before its manifest", nil)
	}
	if err != nil {
		return nil, err
	}
	switch e.Type {
	case entryManifest:
		if e.Manifest == nil {
			return nil, corrupt("package manifest is empty", nil)
		}
		if err := pr.checkManifest(*e.Manifest); err != nil {
			return nil, err
		}
		pr.manifest = e.Manifest
		return nil, io.EOF
	case entryCategory:
		if e.Category == nil {
			return nil, corrupt("category entry without a category", nil)
		}
		pr.open = &Section{CategoryEntry: *e.Category, pr: pr, hasher: sha256.New()}
		return pr.open, nil
	}
	return nil, corrupt(fmt.Sprintf("unexpected %s entry between categories", e.Type), nil)
}

func (pr *PackageReader) checkManifest(m Manifest) error {
	if len(m.Categories) != len(pr.seen) {
		return appErrors.NewIntegrityError(appErrors.ReasonChecksumMismatch,
			fmt.Sprintf("manifest lists %d categories, package holds %d", len(m.Categories), len(pr.seen)), nil)
	}
	for i, c := range m.Categories {
		if c.Name != pr.seen[i].Name || c.Checksum != pr.seen[i].Checksum || c.RecordCount != pr.seen[i].RecordCount {
			return appErrors.NewIntegrityError(appErrors.ReasonChecksumMismatch,
				fmt.Sprintf("manifest entry for %s does not match its section", c.Name), nil)
		}
	}
	return nil
}

// Manifest returns the trailer once the whole package was read
func (pr *PackageReader) Manifest() (Manifest, bool) {
	if pr.manifest == nil {
		return Manifest{}, false
	}
	return *pr.manifest, true
}

// Records yields the section's records. Decoded numbers are json.Number.
func (s *Section) Records() iter.Seq2[catalog.Record, error] {
	return func(yield func(catalog.Record, error) bool) {
		for !s.done {
			rec, err := s.read()
			if err != nil {
				s.err = err
				yield(catalog.Record{}, err)
				return
			}
			if rec == nil {
				return
			}
			if !yield(*rec, nil) {
				return
			}
		}
		if s.err != nil {
			yield(catalog.Record{}, s.err)
		}
	}
}

// read returns the next record, or nil at the end of the section
func (s *Section) read() (*catalog.Record, error) {
	if s.err != nil {
		return nil, s.err
	}
	e, line, err := s.pr.next()
	if err == io.EOF {
		return nil, corrupt(fmt.Sprintf("package is truncated inside category %s", s.Name), nil)
	}
	if err != nil {
		return nil, err
	}

	switch e.Type {
	case entryRecord:
		s.hasher.Write(line)
		s.count++
		s.size += int64(len(line))
		fields := e.Fields
		if fields == nil {
			fields = make(map[string]interface{})
		}
		return &catalog.Record{Collection: e.Collection, ID: e.ID, Fields: fields}, nil
	case entryCategoryEnd:
		s.done = true
		if e.Category == nil || e.Category.Name != s.Name {
			return nil, corrupt(fmt.Sprintf("category %s is not terminated", s.Name), nil)
		}
		sum := hex.EncodeToString(s.hasher.Sum(nil))
		if sum != e.Category.Checksum || s.count != e.Category.RecordCount {
			return nil, appErrors.NewIntegrityError(appErrors.ReasonChecksumMismatch,
				fmt.Sprintf("checksum mismatch in category %s", s.Name), nil).
				WithContext("category", s.Name)
		}
		s.CategoryEntry = *e.Category
		s.pr.seen = append(s.pr.seen, *e.Category)
		return nil, nil
	}
	return nil, corrupt(fmt.Sprintf("unexpected %s entry inside category %s", e.Type, s.Name), nil)
}

// drain reads the rest of the section so that its checksum is verified
func (s *Section) drain() error {
	for !s.done {
		rec, err := s.read()
		if err != nil {
			s.err = err
			return err
		}
		if rec == nil {
			break
		}
	}
	return s.err
}

// Err returns the error that ended the section, if any
func (s *Section) Err() error {
	return s.err
}
