package task

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDGenerator_NewID_HasCorrectFormat(t *testing.T) {
	t.Parallel()

	id := NewIDGenerator(nil).NewID()
	assert.True(t, strings.HasPrefix(id, IDPrefix), "ID should start with %s", IDPrefix)
	assert.Len(t, id, len(IDPrefix)+36, "ID should be prefix + canonical UUID")
}

func TestIDGenerator_NewID_IsUniqueUnderConcurrency(t *testing.T) {
	t.Parallel()

	gen := NewIDGenerator(nil)
	const workers = 8
	const perWorker = 500

	var mu sync.Mutex
	seen := make(map[string]bool, workers*perWorker)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWorker {
				id := gen.NewID()
				mu.Lock()
				assert.False(t, seen[id], "duplicate ID generated: %s", id)
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers*perWorker)
}

func TestIDGenerator_NewID_UsesInjectedSource(t *testing.T) {
	t.Parallel()

	src := bytes.NewReader(bytes.Repeat([]byte{0xab}, 16))
	id := NewIDGenerator(src).NewID()
	assert.Equal(t, "ssh-abababab-abab-4bab-abab-abababababab", id)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestIDGenerator_NewID_PanicsWhenEntropyFails(t *testing.T) {
	t.Parallel()

	defer func() {
		r := recover()
		require.NotNil(t, r, "expected panic")
		err, ok := r.(error)
		require.True(t, ok)
		assert.ErrorIs(t, err, ErrIdentityGeneration)
	}()
	NewIDGenerator(failingReader{}).NewID()
}
