package syncer

import (
	"strconv"
	"sync"
	"time"

	"github.com/multiformats/go-multibase"
)

// EncodeGeneration renders a millisecond epoch as multibase base32 (lower
// case, unpadded) of its decimal string.
func EncodeGeneration(ms int64) string {
	s, err := multibase.Encode(multibase.Base32, []byte(strconv.FormatInt(ms, 10)))
	if err != nil {
		// Base32 is always registered
		panic(err)
	}

	return s
}

// GenerationSource mints generation ids from the clock. Ids are strictly
// increasing within a process even if the clock stalls or steps back.
type GenerationSource struct {
	mu   sync.Mutex
	now  func() time.Time
	last int64
}

func NewGenerationSource(now func() time.Time) *GenerationSource {
	if now == nil {
		now = time.Now
	}

	return &GenerationSource{now: now}
}

func (g *GenerationSource) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	if ms <= g.last {
		ms = g.last + 1
	}
	g.last = ms

	return EncodeGeneration(ms)
}
