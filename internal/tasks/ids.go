package tasks

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

// ErrIDCollision is returned when a freshly generated identity is already taken.
var ErrIDCollision = errors.New("generated task id already exists")

// NewID returns "t-" followed by 12 hex characters of a random UUID.
func NewID() string {
	hex := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "t-" + hex[:12]
}

// idPool hands out identities that are unique within one source.
type idPool struct {
	gen func() string
	// owners maps stored ids to the file they were last seen in.
	owners map[string]string
	// scope holds the files this run reads or deletes.
	scope map[string]bool
	seen  map[string]bool
}

func newIDPool(gen func() string, owners map[string]string, scope map[string]bool) *idPool {
	return &idPool{gen: gen, owners: owners, scope: scope, seen: make(map[string]bool)}
}

// claim marks an id found in file as used by this run. It reports false when
// another line already carries it, either earlier in this run or in a file
// this run does not touch.
func (p *idPool) claim(id, file string) bool {
	if p.seen[id] {
		return false
	}
	if owner, ok := p.owners[id]; ok && owner != "" && owner != file && !p.scope[owner] {
		return false
	}
	p.seen[id] = true
	return true
}

// next generates one id. A collision is not retried; the caller leaves the
// line alone until the next run.
func (p *idPool) next() (string, error) {
	id := p.gen()
	if _, stored := p.owners[id]; stored || p.seen[id] {
		return "", ErrIDCollision
	}
	p.seen[id] = true
	return id, nil
}
