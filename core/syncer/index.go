package syncer

import (
	concurrentMap "github.com/kubesecretfs/kube-secret-fs/lib/concurrent_map"
)

// SecretIndex maps object name to generation for every chunk object this
// process has created or observed. It drives garbage collection only.
type SecretIndex struct {
	secrets *concurrentMap.Map[string, string]
}

func NewSecretIndex() *SecretIndex {
	return &SecretIndex{
		secrets: concurrentMap.NewMap[string, string](),
	}
}

// Record adds name unless it is already tracked.
func (i *SecretIndex) Record(name, generation string) {
	i.secrets.SetIfAbsent(name, generation)
}

func (i *SecretIndex) Generation(name string) (string, bool) {
	return i.secrets.Get(name)
}

// Forget drops name. Call only after its delete is confirmed.
func (i *SecretIndex) Forget(name string) {
	i.secrets.Delete(name)
}

// Stale lists names whose generation differs from current.
func (i *SecretIndex) Stale(current string) []string {
	var names []string
	i.secrets.Range(func(name, generation string) bool {
		if generation != current {
			names = append(names, name)
		}
		return true
	})

	return names
}

func (i *SecretIndex) Len() int {
	return i.secrets.Len()
}
