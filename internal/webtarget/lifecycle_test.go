package webtarget

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	mu          sync.Mutex
	disconnectN int
}

func (s *fakeSession) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnectN++
}

func (s *fakeSession) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnectN
}

type fakeAttacher struct {
	mu      sync.Mutex
	attached []string
	fail    map[string]bool
}

func (a *fakeAttacher) Attach(ctx context.Context, info Info) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail[info.TargetID] {
		return context.DeadlineExceeded
	}
	a.attached = append(a.attached, info.TargetID)
	return nil
}

func (a *fakeAttacher) snapshot() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.attached...)
}

func newManagerForTest(t *testing.T, attacher Attacher) *Manager {
	t.Helper()
	ws := LoadWatchSet(filepath.Join(t.TempDir(), "watch.yaml"))
	return New(ws, NewNotices(), attacher, nil, nil)
}

func targetCreatedFrame(t *testing.T, info Info) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(struct {
		TargetInfo Info `json:"targetInfo"`
	}{TargetInfo: info})
	require.NoError(t, err)
	return raw
}

func TestOnTargetCreatedAttachesWatchedID(t *testing.T) {
	attacher := &fakeAttacher{fail: map[string]bool{}}
	m := newManagerForTest(t, attacher)
	require.NoError(t, m.watch.WatchID("T1"))

	m.OnLifecycleEvent(context.Background(), "Target.targetCreated", targetCreatedFrame(t, Info{TargetID: "T1", URL: "https://a.example/"}))

	require.Equal(t, []string{"T1"}, attacher.snapshot())
	state, ok := m.State("T1")
	require.True(t, ok)
	require.Equal(t, Connecting, state)
}

func TestOnTargetCreatedAttachesWatchedURL(t *testing.T) {
	attacher := &fakeAttacher{fail: map[string]bool{}}
	m := newManagerForTest(t, attacher)
	require.NoError(t, m.watch.WatchURL("https://watched.example/"))

	m.OnLifecycleEvent(context.Background(), "Target.targetCreated", targetCreatedFrame(t, Info{TargetID: "T2", URL: "https://watched.example/"}))
	require.Equal(t, []string{"T2"}, attacher.snapshot())
}

func TestOnTargetCreatedAttachesWatchedOpener(t *testing.T) {
	attacher := &fakeAttacher{fail: map[string]bool{}}
	m := newManagerForTest(t, attacher)
	require.NoError(t, m.watch.WatchID("opener-1"))

	m.OnLifecycleEvent(context.Background(), "Target.targetCreated", targetCreatedFrame(t, Info{TargetID: "T3", OpenerID: "opener-1"}))
	require.Equal(t, []string{"T3"}, attacher.snapshot())
}

func TestOnTargetCreatedIgnoresUnwatched(t *testing.T) {
	attacher := &fakeAttacher{fail: map[string]bool{}}
	m := newManagerForTest(t, attacher)

	m.OnLifecycleEvent(context.Background(), "Target.targetCreated", targetCreatedFrame(t, Info{TargetID: "T4", URL: "https://unwatched.example/"}))
	require.Empty(t, attacher.snapshot())
}

func TestOnTargetInfoChangedAttachesWhenURLNowMatches(t *testing.T) {
	attacher := &fakeAttacher{fail: map[string]bool{}}
	m := newManagerForTest(t, attacher)
	require.NoError(t, m.watch.WatchURL("https://watched.example/landing"))

	// Created with no url yet (e.g. about:blank), then the url resolves.
	m.OnLifecycleEvent(context.Background(), "Target.targetCreated", targetCreatedFrame(t, Info{TargetID: "T5", URL: ""}))
	require.Empty(t, attacher.snapshot())

	m.OnLifecycleEvent(context.Background(), "Target.targetInfoChanged", targetCreatedFrame(t, Info{TargetID: "T5", URL: "https://watched.example/landing"}))
	require.Equal(t, []string{"T5"}, attacher.snapshot())
}

func TestOnTargetDestroyedDisconnectsOnce(t *testing.T) {
	m := newManagerForTest(t, nil)
	session := &fakeSession{}
	m.RegisterSession("T1", session, Attached)

	payload, err := json.Marshal(struct {
		TargetID string `json:"targetId"`
	}{TargetID: "T1"})
	require.NoError(t, err)

	m.OnLifecycleEvent(context.Background(), "Target.targetDestroyed", payload)
	require.Equal(t, 1, session.count())

	// Second destroyed event (or a race with detachedFromTarget) must not
	// double-disconnect, since the session was already removed.
	m.OnLifecycleEvent(context.Background(), "Target.targetDestroyed", payload)
	require.Equal(t, 1, session.count())
}

func TestCrashSuppressesDestroyUntilReload(t *testing.T) {
	m := newManagerForTest(t, nil)
	session := &fakeSession{}
	m.RegisterSession("T1", session, Attached)
	m.MarkCrashed("T1")

	payload, err := json.Marshal(struct {
		TargetID string `json:"targetId"`
	}{TargetID: "T1"})
	require.NoError(t, err)

	m.OnLifecycleEvent(context.Background(), "Target.targetDestroyed", payload)
	require.Equal(t, 0, session.count(), "crash must suppress the destroyed teardown")

	reenabled := make(chan string, 1)
	m.reenabler = reenablerFunc(func(ctx context.Context, targetID string) {
		reenabled <- targetID
	})
	m.MarkReloadedAfterCrash(context.Background(), "T1")

	select {
	case id := <-reenabled:
		require.Equal(t, "T1", id)
	case <-time.After(time.Second):
		t.Fatal("reenabler was not invoked after reload")
	}

	// Now that the crash flag is cleared, a subsequent destroy tears down
	// normally.
	m.OnLifecycleEvent(context.Background(), "Target.targetDestroyed", payload)
	require.Equal(t, 1, session.count())
}

type reenablerFunc func(ctx context.Context, targetID string)

func (f reenablerFunc) ReenableDomains(ctx context.Context, targetID string) {
	f(ctx, targetID)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	m := newManagerForTest(t, nil)
	session := &fakeSession{}
	m.RegisterSession("T1", session, Attached)

	m.Disconnect("T1")
	require.Equal(t, 1, session.count())
	m.Disconnect("T1")
	require.Equal(t, 1, session.count())
}
