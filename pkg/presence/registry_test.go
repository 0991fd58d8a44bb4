package presence

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestRegisterLastWriteWins(t *testing.T) {
	r := New[int]()

	_, replaced := r.Register("alice", 1)
	assert.False(t, replaced)

	prev, replaced := r.Register("alice", 2)
	assert.True(t, replaced)
	assert.Equal(t, 1, prev)

	h, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, 2, h)
	assert.Equal(t, 1, r.Len())
}

func TestRegisterSameHandleIsNotReplacement(t *testing.T) {
	r := New[int]()
	r.Register("alice", 7)

	_, replaced := r.Register("alice", 7)
	assert.False(t, replaced)

	h, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, 7, h)
}

func TestRegisterBlankIdentityIgnored(t *testing.T) {
	r := New[int]()

	for _, identity := range []string{"", " ", "\t\n"} {
		_, replaced := r.Register(identity, 1)
		assert.False(t, replaced)
	}
	assert.Equal(t, 0, r.Len())
	_, ok := r.Lookup("")
	assert.False(t, ok)
}

func TestLookupAbsent(t *testing.T) {
	r := New[string]()
	h, ok := r.Lookup("nobody")
	assert.False(t, ok)
	assert.Equal(t, "", h)
}

func TestGuardedUnregister(t *testing.T) {
	r := New[string]()
	r.Register("x", "h1")
	r.Register("x", "h2") // h1 is now stale

	assert.False(t, r.Unregister("x", "h1"), "stale handle must not evict newer registration")
	h, ok := r.Lookup("x")
	require.True(t, ok)
	assert.Equal(t, "h2", h)

	assert.True(t, r.Unregister("x", "h2"))
	_, ok = r.Lookup("x")
	assert.False(t, ok)

	assert.False(t, r.Unregister("x", "h2"), "second unregister is a no-op")
}

func TestIdentitiesSorted(t *testing.T) {
	r := New[int]()
	r.Register("carol", 3)
	r.Register("alice", 1)
	r.Register("bob", 2)

	assert.Equal(t, []string{"alice", "bob", "carol"}, r.Identities())
}

func TestClear(t *testing.T) {
	r := New[int]()
	r.Register("alice", 1)
	r.Register("bob", 2)
	r.Clear()

	assert.Equal(t, 0, r.Len())
	_, ok := r.Lookup("alice")
	assert.False(t, ok)
}

// Each round races register(X, new) against the disconnect of the handle it
// supersedes. Both valid orderings end with X bound to the new handle.
func TestConcurrentRegisterDisconnectRace(t *testing.T) {
	for round := 0; round < 100; round++ {
		r := New[string]()
		r.Register("x", "old")

		var wg sync.WaitGroup
		start := make(chan struct{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			r.Register("x", "new")
		}()
		go func() {
			defer wg.Done()
			<-start
			r.Unregister("x", "old")
		}()
		close(start)
		wg.Wait()

		h, ok := r.Lookup("x")
		require.True(t, ok, "round %d: identity lost", round)
		require.Equal(t, "new", h, "round %d", round)
	}
}

// 100 concurrent pairs against a single registry: the final binding must be
// one of the handles that registered, never a phantom.
func TestConcurrentPairsSharedRegistry(t *testing.T) {
	r := New[string]()
	r.Register("x", "h-0")

	var wg sync.WaitGroup
	for i := 1; i <= 100; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			r.Register("x", fmt.Sprintf("h-%d", i))
		}(i)
		go func(i int) {
			defer wg.Done()
			r.Unregister("x", fmt.Sprintf("h-%d", i-1))
		}(i)
	}
	wg.Wait()

	h, ok := r.Lookup("x")
	if !ok {
		return // the last registered handle was also the last one disconnected
	}
	valid := map[string]bool{}
	for i := 0; i <= 100; i++ {
		valid[fmt.Sprintf("h-%d", i)] = true
	}
	assert.True(t, valid[h], "unexpected handle %q", h)
}

// TestRegistryMatchesModel drives random operation sequences against the
// registry and a plain map model.
func TestRegistryMatchesModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := New[int]()
		model := map[string]int{}

		identity := rapid.SampledFrom([]string{"a", "b", "c", " "})
		handle := rapid.IntRange(1, 4)

		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			id := identity.Draw(t, "identity")
			h := handle.Draw(t, "handle")

			if rapid.Bool().Draw(t, "register") {
				r.Register(id, h)
				if id != " " {
					model[id] = h
				}
			} else {
				removed := r.Unregister(id, h)
				current, ok := model[id]
				want := ok && current == h
				if removed != want {
					t.Fatalf("Unregister(%q, %d) = %v, want %v", id, h, removed, want)
				}
				if want {
					delete(model, id)
				}
			}

			if r.Len() != len(model) {
				t.Fatalf("Len() = %d, want %d", r.Len(), len(model))
			}
			for id, want := range model {
				got, ok := r.Lookup(id)
				if !ok || got != want {
					t.Fatalf("Lookup(%q) = %d,%v want %d", id, got, ok, want)
				}
			}
		}
	})
}
