package navigation

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAcquireOncePerKey(t *testing.T) {
	t.Cleanup(Reset)

	assert.True(t, Acquire("page-1"))
	assert.False(t, Acquire("page-1"))
	assert.True(t, Acquire("page-2"))
	assert.False(t, Acquire("page-2"))
}

func TestReleaseAndReset(t *testing.T) {
	t.Cleanup(Reset)

	Acquire("page-1")
	Release("page-1")
	assert.True(t, Acquire("page-1"))

	Acquire("page-2")
	Reset()
	assert.True(t, Acquire("page-1"))
	assert.True(t, Acquire("page-2"))
}

func TestAcquireConcurrent(t *testing.T) {
	t.Cleanup(Reset)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if Acquire("shared") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}
