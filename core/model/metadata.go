package model

import "fmt"

// MetadataRecord is the commit pointer. A chunk set is authoritative iff its
// generation and version labels equal the record's.
type MetadataRecord struct {
	Name       string
	Generation string
	Version    string
}

func NewMetadataRecord(name, generation string) MetadataRecord {
	return MetadataRecord{
		Name:       name,
		Generation: generation,
		Version:    Version,
	}
}

func (m MetadataRecord) Labels() map[string]string {
	return map[string]string{
		LabelGeneration: m.Generation,
		LabelOwner:      Owner,
		LabelVersion:    m.Version,
	}
}

// MetadataFromLabels reads a record back from an object's labels. Missing
// labels are left empty, which never matches a chunk.
func MetadataFromLabels(name string, labels map[string]string) MetadataRecord {
	return MetadataRecord{
		Name:       name,
		Generation: labels[LabelGeneration],
		Version:    labels[LabelVersion],
	}
}

// Authorizes reports whether a chunk with the given labels belongs to the
// committed chunk set.
func (m MetadataRecord) Authorizes(labels map[string]string) bool {
	if m.Generation == "" || m.Version == "" {
		return false
	}

	return labels[LabelGeneration] == m.Generation && labels[LabelVersion] == m.Version
}

// NameSelector is the field selector matching the record by exact name.
func NameSelector(name string) string {
	return fmt.Sprintf("metadata.name=%s", name)
}
