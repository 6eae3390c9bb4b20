// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStoreAndGetOriginalRoundTrip(t *testing.T) {
	s := New('#', time.Hour)

	token := s.Store("sess-1", Record{OriginalValue: "john@example.com", ServiceTag: "pii", Kind: KindEmail})
	require.True(t, len(token) > 2)
	require.Equal(t, byte('#'), token[0])
	require.Equal(t, byte('#'), token[len(token)-1])

	got, ok := s.GetOriginal("sess-1", token)
	require.True(t, ok)
	require.Equal(t, "john@example.com", got)
}

func TestGetOriginalUnknownSessionOrToken(t *testing.T) {
	s := New('#', time.Hour)
	_, ok := s.GetOriginal("missing", "#token#")
	require.False(t, ok)

	token := s.Store("sess-1", Record{OriginalValue: "x", Kind: KindEmail})
	_, ok = s.GetOriginal("sess-1", "#not-"+token+"#")
	require.False(t, ok)
}

func TestPlaceholdersAreUniquePerSession(t *testing.T) {
	s := New('#', time.Hour)
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		tok := s.Store("sess-1", Record{OriginalValue: "v", Kind: KindEmail})
		_, dup := seen[tok]
		require.False(t, dup)
		seen[tok] = struct{}{}
	}
}

func TestGetBySessionReturnsSnapshotCopy(t *testing.T) {
	s := New('#', time.Hour)
	tok := s.Store("sess-1", Record{OriginalValue: "v", Kind: KindEmail})

	snap := s.GetBySession("sess-1")
	require.Len(t, snap, 1)

	// Mutating the returned map must not affect the store.
	delete(snap, tok)
	_, ok := s.GetOriginal("sess-1", tok)
	require.True(t, ok)
}

func TestDropRemovesAllMappings(t *testing.T) {
	s := New('#', time.Hour)
	tok := s.Store("sess-1", Record{OriginalValue: "v", Kind: KindEmail})
	s.Drop("sess-1")

	_, ok := s.GetOriginal("sess-1", tok)
	require.False(t, ok)
}

func TestSweepIdleDropsStaleSessions(t *testing.T) {
	s := New('#', time.Millisecond)
	s.Store("sess-1", Record{OriginalValue: "v", Kind: KindEmail})

	s.SweepIdle(time.Now().Add(time.Hour))

	s.mu.RLock()
	_, ok := s.sessions["sess-1"]
	s.mu.RUnlock()
	require.False(t, ok)
}

func TestConcurrentReadersObserveConsistentSnapshot(t *testing.T) {
	s := New('#', time.Hour)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			s.Store("sess-1", Record{OriginalValue: "v", Kind: KindEmail})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = s.GetBySession("sess-1")
		}
	}()
	wg.Wait()

	require.Len(t, s.GetBySession("sess-1"), 200)
}
