package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"syncServer/backend/internal/crdt"
	"syncServer/backend/internal/persist"
)

type fakePeer struct {
	id     string
	userID uint64
	write  bool

	mu   sync.Mutex
	msgs []Message
}

func (p *fakePeer) ID() string     { return p.id }
func (p *fakePeer) UserID() uint64 { return p.userID }
func (p *fakePeer) CanWrite() bool { return p.write }

func (p *fakePeer) Deliver(msg Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
}

func (p *fakePeer) received(kind MessageKind) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Message
	for _, m := range p.msgs {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

type storedState struct {
	encoded []byte
	version uint64
}

type memStorage struct {
	mu        sync.Mutex
	states    map[string]storedState
	loads     int
	saves     int
	failSaves int
}

func newMemStorage() *memStorage {
	return &memStorage{states: make(map[string]storedState)}
}

func (s *memStorage) Load(_ context.Context, docID string) ([]byte, uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	st, ok := s.states[docID]
	if !ok {
		return nil, 0, false, nil
	}
	return append([]byte(nil), st.encoded...), st.version, true, nil
}

func (s *memStorage) Save(_ context.Context, docID string, encoded []byte, version uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaves > 0 {
		s.failSaves--
		return errors.New("storage unavailable")
	}
	s.saves++
	s.states[docID] = storedState{encoded: append([]byte(nil), encoded...), version: version}
	return nil
}

type memSnapshots struct {
	mu    sync.Mutex
	snaps []storedState
}

func (s *memSnapshots) Create(_ context.Context, _ string, encoded []byte, version uint64, _ []uint64, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, storedState{encoded: append([]byte(nil), encoded...), version: version})
	return nil
}

func (s *memSnapshots) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snaps)
}

func testRegistry(t *testing.T, storage *memStorage, clock persist.Clock, cfg Config) *Registry {
	t.Helper()
	return NewRegistry(crdt.NewOpSet(), storage, &memSnapshots{}, RegistryOptions{
		Clock:  clock,
		Config: cfg,
	})
}

func testUpdate(clock uint64, peer, value string, pos int) []byte {
	return crdt.BuildUpdate([]crdt.Op{{
		ID:       crdt.OpID{Clock: clock, Peer: peer},
		Value:    value,
		Position: []int{pos},
	}}, nil)
}

func TestRoom_JoinSendsInitialSync(t *testing.T) {
	reg := testRegistry(t, newMemStorage(), nil, DefaultConfig())
	r, err := reg.GetOrCreate(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}

	a := &fakePeer{id: "a", userID: 1, write: true}
	if err := r.Join(a); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	syncs := a.received(MessageSync)
	if len(syncs) != 1 {
		t.Fatalf("got %d sync messages, want 1", len(syncs))
	}
	if got, _ := crdt.Render(syncs[0].Payload); got != "" {
		t.Fatalf("seed state renders %q, want empty", got)
	}
}

func TestRoom_ConnectionCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConnections = 2
	reg := testRegistry(t, newMemStorage(), nil, cfg)
	r, _ := reg.GetOrCreate(context.Background(), "doc-1")

	for i := 0; i < 2; i++ {
		p := &fakePeer{id: fmt.Sprintf("c%d", i), userID: uint64(i), write: true}
		if err := r.Join(p); err != nil {
			t.Fatalf("Join(%d) error = %v", i, err)
		}
	}
	extra := &fakePeer{id: "c2", userID: 2, write: true}
	if err := r.Join(extra); !errors.Is(err, ErrTooManyConnections) {
		t.Fatalf("Join() error = %v, want ErrTooManyConnections", err)
	}
}

func TestRoom_UpdateBroadcastVerbatim(t *testing.T) {
	reg := testRegistry(t, newMemStorage(), nil, DefaultConfig())
	r, _ := reg.GetOrCreate(context.Background(), "doc-1")

	a := &fakePeer{id: "a", userID: 1, write: true}
	b := &fakePeer{id: "b", userID: 2, write: true}
	if err := r.Join(a); err != nil {
		t.Fatalf("Join(a) error = %v", err)
	}
	if err := r.Join(b); err != nil {
		t.Fatalf("Join(b) error = %v", err)
	}

	u := testUpdate(1, "a", "x", 10)
	if err := r.ApplyUpdate("a", u); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}

	got := b.received(MessageUpdate)
	if len(got) != 1 {
		t.Fatalf("peer b got %d update messages, want 1", len(got))
	}
	if string(got[0].Payload) != string(u) {
		t.Fatalf("broadcast frame mutated:\n got %s\nwant %s", got[0].Payload, u)
	}
	// 发起方自己不应收到回环
	if len(a.received(MessageUpdate)) != 0 {
		t.Fatalf("sender received its own update broadcast")
	}
	if r.Version() != 1 {
		t.Fatalf("Version() = %d, want 1", r.Version())
	}
}

func TestRoom_ReadOnlyUpdateRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UpdateErrorTolerance = 3
	reg := testRegistry(t, newMemStorage(), nil, cfg)
	r, _ := reg.GetOrCreate(context.Background(), "doc-1")

	ro := &fakePeer{id: "ro", userID: 7, write: false}
	if err := r.Join(ro); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	u := testUpdate(1, "ro", "x", 10)
	for i := 0; i < 2; i++ {
		err := r.ApplyUpdate("ro", u)
		if !errors.Is(err, ErrFrameDropped) {
			t.Fatalf("violation %d: error = %v, want ErrFrameDropped", i+1, err)
		}
	}
	if err := r.ApplyUpdate("ro", u); !errors.Is(err, ErrNotWritable) {
		t.Fatalf("repeated violation: error = %v, want ErrNotWritable", err)
	}
	if r.Version() != 0 {
		t.Fatalf("read-only frames mutated state, version = %d", r.Version())
	}
}

func TestRoom_MalformedFrameStrikes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UpdateErrorTolerance = 3
	reg := testRegistry(t, newMemStorage(), nil, cfg)
	r, _ := reg.GetOrCreate(context.Background(), "doc-1")

	p := &fakePeer{id: "a", userID: 1, write: true}
	if err := r.Join(p); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := r.ApplyUpdate("a", []byte("junk")); !errors.Is(err, ErrFrameDropped) {
			t.Fatalf("frame %d: error = %v, want ErrFrameDropped", i+1, err)
		}
	}
	if err := r.ApplyUpdate("a", []byte("junk")); !errors.Is(err, ErrSchemaIncompatible) {
		t.Fatalf("third bad frame: error = %v, want ErrSchemaIncompatible", err)
	}

	// 一个好帧重置坏帧计数
	reg2 := testRegistry(t, newMemStorage(), nil, cfg)
	r2, _ := reg2.GetOrCreate(context.Background(), "doc-2")
	if err := r2.Join(&fakePeer{id: "a", userID: 1, write: true}); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	_ = r2.ApplyUpdate("a", []byte("junk"))
	_ = r2.ApplyUpdate("a", []byte("junk"))
	if err := r2.ApplyUpdate("a", testUpdate(1, "a", "x", 10)); err != nil {
		t.Fatalf("good frame error = %v", err)
	}
	if err := r2.ApplyUpdate("a", []byte("junk")); !errors.Is(err, ErrFrameDropped) {
		t.Fatalf("after reset: error = %v, want ErrFrameDropped", err)
	}
}

func TestRoom_DocumentTooLarge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEncodedSize = 200
	reg := testRegistry(t, newMemStorage(), nil, cfg)
	r, _ := reg.GetOrCreate(context.Background(), "doc-1")

	p := &fakePeer{id: "a", userID: 1, write: true}
	if err := r.Join(p); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	var err error
	for i := 0; i < 100 && err == nil; i++ {
		err = r.ApplyUpdate("a", testUpdate(uint64(i+1), "a", "xxxxxxxx", i*10))
	}
	if !errors.Is(err, ErrDocumentTooLarge) {
		t.Fatalf("error = %v, want ErrDocumentTooLarge", err)
	}
}

func TestRoom_AwarenessBroadcastNotPersisted(t *testing.T) {
	storage := newMemStorage()
	reg := testRegistry(t, storage, nil, DefaultConfig())
	r, _ := reg.GetOrCreate(context.Background(), "doc-1")

	a := &fakePeer{id: "a", userID: 1, write: true}
	b := &fakePeer{id: "b", userID: 2, write: false}
	if err := r.Join(a); err != nil {
		t.Fatalf("Join(a) error = %v", err)
	}
	if err := r.Join(b); err != nil {
		t.Fatalf("Join(b) error = %v", err)
	}

	cursor := []byte(`{"cursor":{"line":3,"col":7}}`)
	if err := r.Awareness("b", cursor); err != nil {
		t.Fatalf("Awareness() error = %v", err)
	}
	got := a.received(MessageAwareness)
	if len(got) != 1 || string(got[0].Payload) != string(cursor) {
		t.Fatalf("peer a awareness messages = %v", got)
	}
	if r.Dirty() {
		t.Fatalf("awareness marked room dirty")
	}
	if storage.saves != 0 {
		t.Fatalf("awareness reached storage, saves = %d", storage.saves)
	}

	// 晚加入的连接收到现有 awareness
	c := &fakePeer{id: "c", userID: 3, write: true}
	if err := r.Join(c); err != nil {
		t.Fatalf("Join(c) error = %v", err)
	}
	if got := c.received(MessageAwareness); len(got) != 1 {
		t.Fatalf("late joiner got %d awareness messages, want 1", len(got))
	}
}

// §8 场景：A、B 同时编辑，双方最终内容一致，去抖窗口后存储与内存一致。
func TestRoom_ConcurrentEditScenario(t *testing.T) {
	storage := newMemStorage()
	clock := persist.NewManualClock(time.Unix(0, 0))
	sched := persist.NewScheduler(clock, persist.DefaultConfig())
	defer sched.Close()
	reg := NewRegistry(crdt.NewOpSet(), storage, &memSnapshots{}, RegistryOptions{
		Scheduler: sched,
		Clock:     clock,
		Config:    DefaultConfig(),
	})

	r, err := reg.GetOrCreate(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	a := &fakePeer{id: "a", userID: 1, write: true}
	b := &fakePeer{id: "b", userID: 2, write: true}
	if err := r.Join(a); err != nil {
		t.Fatalf("Join(a) error = %v", err)
	}
	if err := r.Join(b); err != nil {
		t.Fatalf("Join(b) error = %v", err)
	}

	u1 := testUpdate(1, "a", "hello ", 10)
	u2 := testUpdate(1, "b", "world", 20)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = r.ApplyUpdate("a", u1) }()
	go func() { defer wg.Done(); _ = r.ApplyUpdate("b", u2) }()
	wg.Wait()

	want := "hello world"
	if got, _ := crdt.Render(r.Encoded()); got != want {
		t.Fatalf("room content = %q, want %q", got, want)
	}

	// 双方本地视角：初始 sync + 收到的广播，等价于完整 update 集合
	for _, p := range []*fakePeer{a, b} {
		ct := crdt.NewOpSet()
		state := ct.Seed()
		state, _ = ct.Apply(state, u1)
		state, _ = ct.Apply(state, u2)
		if got, _ := crdt.Render(state); got != want {
			t.Fatalf("peer %s converged to %q, want %q", p.id, got, want)
		}
	}

	// 去抖窗口过后存储内容与内存一致
	clock.Advance(3 * time.Second)
	stored := storage.states["doc-1"]
	if got, _ := crdt.Render(stored.encoded); got != want {
		t.Fatalf("stored content = %q, want %q", got, want)
	}
	if stored.version != r.Version() {
		t.Fatalf("stored version = %d, want %d", stored.version, r.Version())
	}
}

func TestRoom_FlushIdempotent(t *testing.T) {
	storage := newMemStorage()
	snaps := &memSnapshots{}
	reg := NewRegistry(crdt.NewOpSet(), storage, snaps, RegistryOptions{Config: DefaultConfig()})
	r, _ := reg.GetOrCreate(context.Background(), "doc-1")
	p := &fakePeer{id: "a", userID: 1, write: true}
	if err := r.Join(p); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if err := r.ApplyUpdate("a", testUpdate(1, "a", "x", 10)); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}

	if clean, err := r.Flush(context.Background()); err != nil || !clean {
		t.Fatalf("Flush() = %v, %v", clean, err)
	}
	saves := storage.saves
	// 没有新 mutation 时重复 Flush 不产生新的存储写
	if clean, err := r.Flush(context.Background()); err != nil || !clean {
		t.Fatalf("Flush() = %v, %v", clean, err)
	}
	if storage.saves != saves {
		t.Fatalf("idempotent flush wrote again, saves = %d, want %d", storage.saves, saves)
	}

	if err := r.ForkSnapshot(context.Background()); err != nil {
		t.Fatalf("ForkSnapshot() error = %v", err)
	}
	if err := r.ForkSnapshot(context.Background()); err != nil {
		t.Fatalf("ForkSnapshot() error = %v", err)
	}
	if snaps.count() != 1 {
		t.Fatalf("snapshot count = %d, want 1 (no-op without new mutations)", snaps.count())
	}
}

func TestRoom_LeaveBroadcastsPresence(t *testing.T) {
	reg := testRegistry(t, newMemStorage(), nil, DefaultConfig())
	r, _ := reg.GetOrCreate(context.Background(), "doc-1")
	a := &fakePeer{id: "a", userID: 1, write: true}
	b := &fakePeer{id: "b", userID: 2, write: true}
	if err := r.Join(a); err != nil {
		t.Fatalf("Join(a) error = %v", err)
	}
	if err := r.Join(b); err != nil {
		t.Fatalf("Join(b) error = %v", err)
	}

	r.Leave("b")
	notices := a.received(MessagePresence)
	// 上线一条 + 下线一条
	if len(notices) != 2 {
		t.Fatalf("peer a presence notices = %d, want 2", len(notices))
	}
	if r.Empty() {
		t.Fatalf("room empty after one of two leaves")
	}
	r.Leave("a")
	if !r.Empty() {
		t.Fatalf("room not empty after all leaves")
	}
	if r.State() != StateDraining {
		t.Fatalf("State() = %d, want StateDraining", r.State())
	}
}
