package hashchain_test

import (
	"context"
	"sync"
	"testing"

	"github.com/evidentry/evidentry/internal/hashchain"
)

type fakeHeads struct {
	mu    sync.Mutex
	heads map[string]*hashchain.Head
}

func (f *fakeHeads) ChainHead(_ context.Context, chainID string) (*hashchain.Head, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heads[chainID], nil
}

func TestLinkEmptyChain(t *testing.T) {
	e := hashchain.New(&fakeHeads{heads: map[string]*hashchain.Head{}})

	seq, prev, err := e.Link(context.Background(), "acme/build/prod/ci")
	if err != nil {
		t.Fatal(err)
	}
	if seq != 1 {
		t.Errorf("first sequence_no = %d, want 1", seq)
	}
	if prev != hashchain.RootHash {
		t.Errorf("first prev_hash = %q, want the root sentinel", prev)
	}
}

func TestLinkSuccessor(t *testing.T) {
	heads := &fakeHeads{heads: map[string]*hashchain.Head{
		"acme/build/prod/ci": {SequenceNo: 41, Hash: "deadbeef"},
	}}
	e := hashchain.New(heads)

	seq, prev, err := e.Link(context.Background(), "acme/build/prod/ci")
	if err != nil {
		t.Fatal(err)
	}
	if seq != 42 {
		t.Errorf("sequence_no = %d, want 42", seq)
	}
	if prev != "deadbeef" {
		t.Errorf("prev_hash = %q, want head hash", prev)
	}
}

func TestRootHashShape(t *testing.T) {
	if len(hashchain.RootHash) != 64 {
		t.Fatalf("root sentinel must be 64 hex chars, got %d", len(hashchain.RootHash))
	}
	for _, c := range hashchain.RootHash {
		if c != '0' {
			t.Fatalf("root sentinel must be all zeros, got %q", hashchain.RootHash)
		}
	}
}

func TestSumIsHexSHA256(t *testing.T) {
	got := hashchain.Sum([]byte("hello"))
	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got != want {
		t.Errorf("Sum() = %s, want %s", got, want)
	}
}

func TestLockChainSerializesAppends(t *testing.T) {
	e := hashchain.New(&fakeHeads{heads: map[string]*hashchain.Head{}})

	var counter, max int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := e.LockChain("one-chain")
			defer unlock()
			mu.Lock()
			counter++
			if counter > max {
				max = counter
			}
			mu.Unlock()
			mu.Lock()
			counter--
			mu.Unlock()
		}()
	}
	wg.Wait()
	if max != 1 {
		t.Errorf("lock admitted %d holders at once, want 1", max)
	}
}
