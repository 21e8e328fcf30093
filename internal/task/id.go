package task

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// IDPrefix marks task identifiers in logs and storage.
const IDPrefix = "ssh-"

// IDGenerator produces task identifiers from a random source.
// It is safe for concurrent use when its source is.
type IDGenerator struct {
	source io.Reader
}

// NewIDGenerator returns a generator reading from source, or from
// crypto/rand when source is nil.
func NewIDGenerator(source io.Reader) IDGenerator {
	if source == nil {
		source = rand.Reader
	}
	return IDGenerator{source: source}
}

// NewID returns a fresh identifier in the format ssh-{uuid v4}.
// A failing entropy source is a process configuration error, so NewID
// panics instead of returning an error.
func (g IDGenerator) NewID() string {
	src := g.source
	if src == nil {
		src = rand.Reader
	}
	u, err := uuid.NewRandomFromReader(src)
	if err != nil {
		panic(fmt.Errorf("%w: %w", ErrIdentityGeneration, err))
	}
	return IDPrefix + u.String()
}
