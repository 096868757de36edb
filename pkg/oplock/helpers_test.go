package oplock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittolease/pkg/oplock/wire"
)

// ============================================================================
// Fakes
// ============================================================================

type sentBreak struct {
	connID  uint64
	payload []byte
}

// fakeTransport records every break and optionally answers it.
type fakeTransport struct {
	mu     sync.Mutex
	sent   []sentBreak
	err    error
	onSend func(connID uint64, payload []byte)
	ch     chan sentBreak
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{ch: make(chan sentBreak, 1024)}
}

func (t *fakeTransport) SendBreak(_ context.Context, connID uint64, payload []byte) error {
	t.mu.Lock()
	s := sentBreak{connID: connID, payload: append([]byte(nil), payload...)}
	t.sent = append(t.sent, s)
	err, cb := t.err, t.onSend
	t.mu.Unlock()

	t.ch <- s
	if cb != nil && err == nil {
		go cb(connID, s.payload)
	}
	return err
}

func (t *fakeTransport) setErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
}

func (t *fakeTransport) setOnSend(fn func(connID uint64, payload []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onSend = fn
}

func (t *fakeTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

// next waits for the next break sent.
func (t *fakeTransport) next(tb testing.TB) sentBreak {
	tb.Helper()
	select {
	case s := <-t.ch:
		return s
	case <-time.After(5 * time.Second):
		tb.Fatal("timed out waiting for a break notification")
		return sentBreak{}
	}
}

type fakeFiles struct {
	mu      sync.Mutex
	open    map[uint64]OpenHandle
	closed  []OpenHandle
	missing bool
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{open: make(map[uint64]OpenHandle)}
}

func (f *fakeFiles) ResolveOpenFile(fileID uint64) (OpenHandle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing {
		return OpenHandle{}, false
	}
	h, ok := f.open[fileID]
	if !ok {
		return OpenHandle{FileID: fileID, PersistentID: fileID + 1000}, true
	}
	return h, true
}

func (f *fakeFiles) CloseHandle(h OpenHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, h)
	return nil
}

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[uint64]Session
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: make(map[uint64]Session)}
}

func (s *fakeSessions) add(sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

func (s *fakeSessions) ResolveSession(id uint64) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// ============================================================================
// Helpers
// ============================================================================

type testEnv struct {
	m        *Manager
	tr       *fakeTransport
	files    *fakeFiles
	sessions *fakeSessions
	metrics  *Metrics
}

func newTestEnv(t *testing.T, mutate ...func(*Config, *Dependencies)) *testEnv {
	t.Helper()

	env := &testEnv{
		tr:       newFakeTransport(),
		files:    newFakeFiles(),
		sessions: newFakeSessions(),
		metrics:  NewMetrics(prometheus.NewRegistry()),
	}
	cfg := DefaultConfig()
	cfg.BreakTimeout = 5 * time.Second
	cfg.CloseDrainTimeout = 5 * time.Second
	deps := Dependencies{
		Transport: env.tr,
		Files:     env.files,
		Sessions:  env.sessions,
		Metrics:   env.metrics,
	}
	for _, fn := range mutate {
		fn(&cfg, &deps)
	}
	env.m = NewManager(cfg, deps)
	t.Cleanup(env.m.Close)
	return env
}

func withBreakTimeout(d time.Duration) func(*Config, *Dependencies) {
	return func(c *Config, _ *Dependencies) {
		c.BreakTimeout = d
		c.CloseDrainTimeout = d
	}
}

func guid(b byte) ClientGUID {
	var g ClientGUID
	g[0], g[15] = b, b
	return g
}

func lkey(b byte) LeaseKey {
	var k LeaseKey
	for i := range k {
		k[i] = b
	}
	return k
}

func client(connID uint64, g byte) ClientContext {
	return ClientContext{ConnID: connID, SessionID: connID * 100, ClientGUID: guid(g), TreeID: 1}
}

func oplockReq(c ClientContext, fileKey string, fileID uint64, level Level) GrantRequest {
	return GrantRequest{
		Level:  level,
		Client: c,
		File:   FileContext{Key: fileKey, FileID: fileID, PersistentID: fileID + 1000},
	}
}

func leaseReq(c ClientContext, fileKey string, fileID uint64, key LeaseKey, state LeaseState) GrantRequest {
	return GrantRequest{
		Level:  LevelNone,
		Client: c,
		File:   FileContext{Key: fileKey, FileID: fileID, PersistentID: fileID + 1000},
		Lease:  &LeaseRequest{Key: key, State: state},
	}
}

func mustGrant(t *testing.T, m *Manager, req GrantRequest) *GrantResult {
	t.Helper()
	res, err := m.Grant(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

// grantAsync runs Grant on a goroutine.
func grantAsync(m *Manager, req GrantRequest) <-chan *GrantResult {
	ch := make(chan *GrantResult, 1)
	go func() {
		res, err := m.Grant(context.Background(), req)
		if err != nil {
			res = nil
		}
		ch <- res
	}()
	return ch
}

func waitResult[T any](tb testing.TB, ch <-chan T) T {
	tb.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(10 * time.Second):
		tb.Fatal("timed out waiting for result")
		var zero T
		return zero
	}
}

// autoAck answers every break with the level or state it asks for.
func (env *testEnv) autoAck(clients map[uint64]ClientGUID) {
	env.tr.setOnSend(func(connID uint64, payload []byte) {
		h, err := wire.ParseNotificationHeader(payload)
		if err != nil || h.Command != wire.CommandOplockBreak {
			return
		}
		body := payload[wire.SMB2HeaderSize:]
		if len(body) == wire.LeaseBreakNotificationSize {
			n, err := wire.DecodeLeaseBreakNotification(body)
			if err != nil || n.Flags&wire.LeaseBreakFlagAckRequired == 0 {
				return
			}
			_ = env.m.AcknowledgeLeaseBreak(clients[connID], n.LeaseKey, LeaseState(n.NewLeaseState))
			return
		}
		b, err := wire.DecodeOplockBreak(body)
		if err != nil {
			return
		}
		_ = env.m.AcknowledgeOplockBreak(connID, b.VolatileID, LevelFromSMB2(b.OplockLevel))
	})
}

func decodeOplockBreak(t *testing.T, s sentBreak) *wire.OplockBreak {
	t.Helper()
	b, err := wire.DecodeOplockBreak(s.payload[wire.SMB2HeaderSize:])
	require.NoError(t, err)
	return b
}

func decodeLeaseBreak(t *testing.T, s sentBreak) *wire.LeaseBreakNotification {
	t.Helper()
	n, err := wire.DecodeLeaseBreakNotification(s.payload[wire.SMB2HeaderSize:])
	require.NoError(t, err)
	return n
}

var errSendFailed = errors.New("connection reset")
