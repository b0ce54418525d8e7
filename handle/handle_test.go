package handle_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/badu/pipehttp/handle"
)

func TestMintUniqueAcrossGoroutines(t *testing.T) {
	const n = 500
	ids := make([]uint64, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h := handle.Mint(i)
			ids[i] = h.ID
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool, n)
	for _, id := range ids {
		require.False(t, seen[id], "duplicate handle id %d", id)
		seen[id] = true
	}
}

func TestMintCarriesData(t *testing.T) {
	h := handle.Mint("payload")
	require.Equal(t, "payload", h.Data)
}
