// Package store is the object store boundary: labeled, size-capped objects
// with an optional payload, listed by label or field selector.
package store

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/labels"
)

var (
	ErrNotFound      = errors.New("object not found")
	ErrAlreadyExists = errors.New("object already exists")
)

// Object is one stored entry.
type Object struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Data   map[string][]byte `json:"data,omitempty"`
}

// ListOptions narrows a List call. Empty selectors match everything.
type ListOptions struct {
	LabelSelector string
	FieldSelector string
}

// Store is implemented by every backend. All calls are bounded by ctx.
// Delete and Replace of a missing object return ErrNotFound; Create of an
// existing one returns ErrAlreadyExists.
type Store interface {
	List(ctx context.Context, opts ListOptions) ([]Object, error)
	Create(ctx context.Context, obj Object) error
	Replace(ctx context.Context, obj Object) error
	Delete(ctx context.Context, name string) error
}

type matcher struct {
	namespace string
	labels    labels.Selector
	fields    fields.Selector
}

func newMatcher(namespace string, opts ListOptions) (*matcher, error) {
	labelSelector, err := labels.Parse(opts.LabelSelector)
	if err != nil {
		return nil, fmt.Errorf("parsing label selector %q: %w", opts.LabelSelector, err)
	}

	fieldSelector, err := fields.ParseSelector(opts.FieldSelector)
	if err != nil {
		return nil, fmt.Errorf("parsing field selector %q: %w", opts.FieldSelector, err)
	}

	return &matcher{
		namespace: namespace,
		labels:    labelSelector,
		fields:    fieldSelector,
	}, nil
}

func (m *matcher) Matches(obj Object) bool {
	if !m.labels.Matches(labels.Set(obj.Labels)) {
		return false
	}

	return m.fields.Matches(fields.Set{
		"metadata.name":      obj.Name,
		"metadata.namespace": m.namespace,
	})
}
