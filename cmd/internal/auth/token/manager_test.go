package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pulse/cmd/internal/auth/credstore"
)

// fakeRefresher counts calls and optionally blocks until released.
type fakeRefresher struct {
	calls atomic.Int64

	mu      sync.Mutex
	cred    credstore.Credential
	err     error
	release chan struct{}
}

func (f *fakeRefresher) Refresh(ctx context.Context) (credstore.Credential, error) {
	f.calls.Add(1)

	f.mu.Lock()
	release := f.release
	cred, err := f.cred, f.err
	f.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return credstore.Credential{}, ctx.Err()
		}
	}
	return cred, err
}

func (f *fakeRefresher) set(cred credstore.Credential, err error) {
	f.mu.Lock()
	f.cred, f.err = cred, err
	f.mu.Unlock()
}

func TestRefreshSingleFlight(t *testing.T) {
	release := make(chan struct{})
	ref := &fakeRefresher{release: release}
	ref.set(credstore.Credential{AccessToken: "tok-new", UserID: "u1"}, nil)

	store := credstore.NewMemoryStore()
	m := NewManager(nil, store, ref, time.Second, nil)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]credstore.Credential, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.Refresh(context.Background())
		}(i)
	}

	// Let the callers pile onto the in-flight refresh before releasing it.
	deadline := time.Now().Add(time.Second)
	for ref.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := ref.calls.Load(); got != 1 {
		t.Fatalf("backend refresh calls = %d, want 1", got)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i].AccessToken != "tok-new" {
			t.Fatalf("caller %d: token = %q, want tok-new", i, results[i].AccessToken)
		}
	}

	if cred, ok := store.Get(); !ok || cred.AccessToken != "tok-new" {
		t.Fatalf("store not rotated: %+v ok=%v", cred, ok)
	}
}

func TestRefreshCallerCancelDoesNotFailFlight(t *testing.T) {
	release := make(chan struct{})
	ref := &fakeRefresher{release: release}
	ref.set(credstore.Credential{AccessToken: "tok-new"}, nil)

	m := NewManager(nil, credstore.NewMemoryStore(), ref, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)
	go func() {
		_, err := m.Refresh(ctx)
		cancelled <- err
	}()

	waiterErr := make(chan error, 1)
	waiterTok := make(chan string, 1)
	go func() {
		cred, err := m.Refresh(context.Background())
		waiterErr <- err
		waiterTok <- cred.AccessToken
	}()

	deadline := time.Now().Add(time.Second)
	for ref.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	if err := <-cancelled; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller: %v, want context.Canceled", err)
	}

	close(release)
	if err := <-waiterErr; err != nil {
		t.Fatalf("waiter: %v", err)
	}
	if tok := <-waiterTok; tok != "tok-new" {
		t.Fatalf("waiter token = %q, want tok-new", tok)
	}
}

func TestRefreshRejectedClearsStore(t *testing.T) {
	ref := &fakeRefresher{}
	ref.set(credstore.Credential{}, fmt.Errorf("%w: status 401", ErrRefreshRejected))

	store := credstore.NewMemoryStore()
	_ = store.Set(credstore.Credential{AccessToken: "tok-old", UserID: "u1"})

	m := NewManager(nil, store, ref, time.Second, nil)

	_, err := m.Refresh(context.Background())
	if !errors.Is(err, ErrRefreshRejected) {
		t.Fatalf("err = %v, want ErrRefreshRejected", err)
	}
	if !Terminal(err) {
		t.Fatalf("rejection not classified terminal")
	}
	if _, ok := store.Get(); ok {
		t.Fatalf("store still holds a credential after terminal rejection")
	}
}

func TestRefreshUnavailableKeepsStore(t *testing.T) {
	ref := &fakeRefresher{}
	ref.set(credstore.Credential{}, fmt.Errorf("%w: connection refused", ErrRefreshUnavailable))

	store := credstore.NewMemoryStore()
	_ = store.Set(credstore.Credential{AccessToken: "tok-old"})

	m := NewManager(nil, store, ref, time.Second, nil)

	_, err := m.Refresh(context.Background())
	if !errors.Is(err, ErrRefreshUnavailable) {
		t.Fatalf("err = %v, want ErrRefreshUnavailable", err)
	}
	if Terminal(err) {
		t.Fatalf("transient failure classified terminal")
	}
	if _, ok := store.Get(); !ok {
		t.Fatalf("transient failure cleared the store")
	}
}

// blockingStore parks Set until released, modelling a slow persistent store
// (key derivation, disk IO) while a logout races the write.
type blockingStore struct {
	inner *credstore.MemoryStore

	setEntered chan struct{}
	setRelease chan struct{}
	enterOnce  sync.Once
}

func newBlockingStore() *blockingStore {
	return &blockingStore{
		inner:      credstore.NewMemoryStore(),
		setEntered: make(chan struct{}),
		setRelease: make(chan struct{}),
	}
}

func (s *blockingStore) Get() (credstore.Credential, bool) { return s.inner.Get() }
func (s *blockingStore) Clear() error                      { return s.inner.Clear() }

func (s *blockingStore) Set(c credstore.Credential) error {
	s.enterOnce.Do(func() { close(s.setEntered) })
	<-s.setRelease
	return s.inner.Set(c)
}

func TestInvalidateDuringStorePersist(t *testing.T) {
	ref := &fakeRefresher{}
	ref.set(credstore.Credential{AccessToken: "tok-late", UserID: "u1"}, nil)

	store := newBlockingStore()
	m := NewManager(nil, store, ref, time.Second, nil)

	done := make(chan error, 1)
	go func() {
		_, err := m.Refresh(context.Background())
		done <- err
	}()

	// The refresh has passed its staleness check and is mid-write when the
	// logout lands.
	<-store.setEntered
	m.Invalidate()
	close(store.setRelease)

	if err := <-done; !errors.Is(err, ErrInvalidated) {
		t.Fatalf("err = %v, want ErrInvalidated", err)
	}
	if cred, ok := store.Get(); ok {
		t.Fatalf("credential %q persisted after Invalidate", cred.AccessToken)
	}
}

func TestInvalidateDiscardsLateRefresh(t *testing.T) {
	release := make(chan struct{})
	ref := &fakeRefresher{release: release}
	ref.set(credstore.Credential{AccessToken: "tok-late", UserID: "u1"}, nil)

	store := credstore.NewMemoryStore()
	m := NewManager(nil, store, ref, time.Second, nil)

	done := make(chan error, 1)
	go func() {
		_, err := m.Refresh(context.Background())
		done <- err
	}()

	deadline := time.Now().Add(time.Second)
	for ref.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	// Logout lands while the refresh is in flight.
	m.Invalidate()
	close(release)

	if err := <-done; !errors.Is(err, ErrInvalidated) {
		t.Fatalf("err = %v, want ErrInvalidated", err)
	}
	if _, ok := store.Get(); ok {
		t.Fatalf("late refresh resurrected the credential after logout")
	}
}
