package model

import "sort"

// FieldKind is the portable type of a record field as seen by reconciliation
type FieldKind string

const (
	FieldString  FieldKind = "string"
	FieldInteger FieldKind = "integer"
	FieldFloat   FieldKind = "float"
	FieldBoolean FieldKind = "boolean"
	FieldTime    FieldKind = "time"
	FieldJSON    FieldKind = "json"
	FieldBinary  FieldKind = "binary"
)

// CategoryKind separates record data from file payloads
type CategoryKind string

const (
	CategoryData  CategoryKind = "data"
	CategoryFiles CategoryKind = "files"
)

// CollectionShape maps field names to their kinds
type CollectionShape map[string]FieldKind

// CategoryShape describes every collection a category spans
type CategoryShape struct {
	Kind        CategoryKind               `json:"kind"`
	Collections map[string]CollectionShape `json:"collections"`
}

// CollectionNames returns the collection names in sorted order
func (s CategoryShape) CollectionNames() []string {
	names := make([]string, 0, len(s.Collections))
	for name := range s.Collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SchemaSnapshot is the field level shape of every category at backup time
type SchemaSnapshot map[string]CategoryShape

// CategoryNames returns snapshot categories in sorted order
func (s SchemaSnapshot) CategoryNames() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SortedFields returns the field names of a collection in sorted order
func (c CollectionShape) SortedFields() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
