package model

import (
	"fmt"
	"strconv"
)

const (
	Owner   = "kube-secret-fs"
	Version = "0.1"

	// DataKey is the single payload field of a chunk object.
	DataKey = "data.tar.gz"

	// UnknownGeneration is recorded for chunk objects missing a generation label.
	UnknownGeneration = "unknown"
	// NoGeneration is the current generation when no metadata record exists.
	NoGeneration = "none"
)

// Label keys.
const (
	LabelGeneration = "generation"
	LabelOrder      = "order"
	LabelOwner      = "owner"
	LabelParent     = "parent"
	LabelVersion    = "version"
)

// Chunk is one size-capped slice of a generation's compressed archive.
type Chunk struct {
	Parent     string
	Generation string
	Order      int
	Data       []byte
}

// ChunkName returns the object name, e.g. "base-bgezdg-00003".
func ChunkName(parent, generation string, order int) string {
	return fmt.Sprintf("%s-%s-%05d", parent, generation, order)
}

func (c Chunk) Name() string {
	return ChunkName(c.Parent, c.Generation, c.Order)
}

func (c Chunk) Labels() map[string]string {
	return map[string]string{
		LabelGeneration: c.Generation,
		LabelOrder:      strconv.Itoa(c.Order),
		LabelOwner:      Owner,
		LabelParent:     c.Parent,
		LabelVersion:    Version,
	}
}

// ChunkSelector selects every chunk object owned by parent, of any generation.
func ChunkSelector(parent string) string {
	return fmt.Sprintf("%s=%s,%s=%s", LabelOwner, Owner, LabelParent, parent)
}

// ParseOrder parses an order label. Only non-negative decimal integers are valid.
func ParseOrder(s string) (int, bool) {
	order, err := strconv.Atoi(s)
	if err != nil || order < 0 {
		return 0, false
	}

	return order, true
}
