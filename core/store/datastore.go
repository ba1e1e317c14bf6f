package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	dslvl "github.com/ipfs/go-ds-leveldb"
)

// Datastore keeps objects as JSON values in a go-datastore, keyed
// /secrets/<namespace>/<name>. Backed by LevelDB it lets the filesystem run
// without a cluster.
type Datastore struct {
	mu        sync.Mutex
	ds        ds.Datastore
	namespace string
	prefix    ds.Key
}

var _ Store = (*Datastore)(nil)

func NewDatastore(d ds.Datastore, namespace string) *Datastore {
	return &Datastore{
		ds:        d,
		namespace: namespace,
		prefix:    ds.NewKey("secrets").ChildString(namespace),
	}
}

func OpenLevelDB(path, namespace string) (*Datastore, error) {
	d, err := dslvl.NewDatastore(path, nil)
	if err != nil {
		return nil, fmt.Errorf("opening leveldb %s: %w", path, err)
	}

	return NewDatastore(d, namespace), nil
}

func (d *Datastore) Close() error {
	return d.ds.Close()
}

func (d *Datastore) key(name string) ds.Key {
	return d.prefix.ChildString(name)
}

func (d *Datastore) List(ctx context.Context, opts ListOptions) ([]Object, error) {
	m, err := newMatcher(d.namespace, opts)
	if err != nil {
		return nil, err
	}

	res, err := d.ds.Query(ctx, dsq.Query{Prefix: d.prefix.String()})
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", d.prefix, err)
	}
	defer res.Close()

	objects := make([]Object, 0)
	for {
		r, hasNext := res.NextSync()
		if !hasNext {
			break
		}
		if r.Error != nil {
			return nil, r.Error
		}
		if !ds.NewKey(r.Key).Parent().Equal(d.prefix) {
			continue
		}

		var obj Object
		if err := json.Unmarshal(r.Value, &obj); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", r.Key, err)
		}

		if m.Matches(obj) {
			objects = append(objects, obj)
		}
	}

	return objects, nil
}

func (d *Datastore) Create(ctx context.Context, obj Object) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	exists, err := d.ds.Has(ctx, d.key(obj.Name))
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("creating %s: %w", obj.Name, ErrAlreadyExists)
	}

	return d.put(ctx, obj)
}

func (d *Datastore) Replace(ctx context.Context, obj Object) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	exists, err := d.ds.Has(ctx, d.key(obj.Name))
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("replacing %s: %w", obj.Name, ErrNotFound)
	}

	return d.put(ctx, obj)
}

func (d *Datastore) Delete(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	k := d.key(name)
	exists, err := d.ds.Has(ctx, k)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("deleting %s: %w", name, ErrNotFound)
	}

	return d.ds.Delete(ctx, k)
}

func (d *Datastore) put(ctx context.Context, obj Object) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b, err := json.Marshal(obj)
	if err != nil {
		return err
	}

	return d.ds.Put(ctx, d.key(obj.Name), b)
}
