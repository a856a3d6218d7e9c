package room

import (
	"context"
	"sync"
	"testing"
	"time"

	"syncServer/backend/internal/crdt"
	"syncServer/backend/internal/persist"
)

// 单一权威：N 路并发 GetOrCreate 同一文档，只构造一次、返回同一个实例。
func TestRegistry_SingleAuthority(t *testing.T) {
	storage := newMemStorage()
	reg := testRegistry(t, storage, nil, DefaultConfig())

	const n = 32
	rooms := make([]*Room, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			r, err := reg.GetOrCreate(context.Background(), "doc-1")
			if err != nil {
				t.Errorf("GetOrCreate() error = %v", err)
				return
			}
			rooms[i] = r
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if rooms[i] != rooms[0] {
			t.Fatalf("GetOrCreate returned different rooms")
		}
	}
	if storage.loads != 1 {
		t.Fatalf("storage loads = %d, want 1", storage.loads)
	}
}

func TestRegistry_IndependentDocuments(t *testing.T) {
	reg := testRegistry(t, newMemStorage(), nil, DefaultConfig())
	r1, err := reg.GetOrCreate(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("GetOrCreate(doc-1) error = %v", err)
	}
	r2, err := reg.GetOrCreate(context.Background(), "doc-2")
	if err != nil {
		t.Fatalf("GetOrCreate(doc-2) error = %v", err)
	}
	if r1 == r2 {
		t.Fatalf("distinct documents share a room")
	}
}

// 驱逐：空且干净的房间过了宽限期被移除，之后的 join 触发一次全新加载。
func TestRegistry_EvictionAfterIdleGrace(t *testing.T) {
	storage := newMemStorage()
	clock := persist.NewManualClock(time.Unix(0, 0))
	cfg := DefaultConfig()
	cfg.IdleGrace = 3 * time.Minute
	reg := testRegistry(t, storage, clock, cfg)

	r, err := reg.GetOrCreate(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	p := &fakePeer{id: "a", userID: 1, write: true}
	if err := r.Join(p); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if err := r.ApplyUpdate("a", testUpdate(1, "a", "x", 10)); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}
	r.Leave("a")

	clock.Advance(3 * time.Minute)
	// release 时的异步排水刷盘可能还在路上
	deadline := time.Now().Add(time.Second)
	for r.State() != StateEvicted && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
		clock.Advance(3 * time.Minute)
	}
	if r.State() != StateEvicted {
		t.Fatalf("State() = %d, want StateEvicted", r.State())
	}

	storage.mu.Lock()
	st, ok := storage.states["doc-1"]
	storage.mu.Unlock()
	if !ok || st.version != 1 {
		t.Fatalf("dirty room evicted without flush, stored = %+v ok=%v", st, ok)
	}

	loadsBefore := storage.loads
	r2, err := reg.GetOrCreate(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("GetOrCreate() after eviction error = %v", err)
	}
	if r2 == r {
		t.Fatalf("evicted room reused")
	}
	if storage.loads != loadsBefore+1 {
		t.Fatalf("storage loads = %d, want %d (fresh load)", storage.loads, loadsBefore+1)
	}
	if r2.Version() != 1 {
		t.Fatalf("reloaded version = %d, want 1", r2.Version())
	}
}

// 宽限期内再次 join：房间复活，不驱逐、不重新加载。
func TestRegistry_RejoinDuringGrace(t *testing.T) {
	storage := newMemStorage()
	clock := persist.NewManualClock(time.Unix(0, 0))
	reg := testRegistry(t, storage, clock, DefaultConfig())

	r, _ := reg.GetOrCreate(context.Background(), "doc-1")
	p := &fakePeer{id: "a", userID: 1, write: true}
	if err := r.Join(p); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	r.Leave("a")
	if r.State() != StateDraining {
		t.Fatalf("State() = %d, want StateDraining", r.State())
	}

	clock.Advance(time.Minute) // 宽限期未满
	r2, err := reg.GetOrCreate(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if r2 != r {
		t.Fatalf("draining room was not reused")
	}
	if err := r2.Join(&fakePeer{id: "b", userID: 2, write: true}); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if r2.State() != StateActive {
		t.Fatalf("State() = %d, want StateActive after rejoin", r2.State())
	}

	clock.Advance(time.Hour)
	if r2.State() == StateEvicted {
		t.Fatalf("occupied room was evicted")
	}
	if storage.loads != 1 {
		t.Fatalf("storage loads = %d, want 1", storage.loads)
	}
}

// 空闲定时器已经触发、驱逐回调还排在入口锁上时来了新 join：
// 回调最终拿到锁后必须放弃驱逐，不能把刚复活的房间踢掉。
func TestRegistry_CancelledIdleTimerDoesNotEvict(t *testing.T) {
	storage := newMemStorage()
	clock := persist.NewManualClock(time.Unix(0, 0))
	reg := testRegistry(t, storage, clock, DefaultConfig())

	r, err := reg.GetOrCreate(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if err := r.Join(&fakePeer{id: "a", userID: 1, write: true}); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	r.Leave("a") // 挂上空闲宽限定时器

	r2, err := reg.GetOrCreate(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if r2 != r {
		t.Fatalf("draining room not reused")
	}

	// 重新 join 已取消定时器；此刻才执行的回调等价于 Stop 晚了一步的竞态
	reg.evict("doc-1")

	if r2.State() == StateEvicted {
		t.Fatalf("cancelled eviction still ran")
	}
	if err := r2.Join(&fakePeer{id: "b", userID: 2, write: true}); err != nil {
		t.Fatalf("Join() after cancelled eviction error = %v", err)
	}
	if storage.loads != 1 {
		t.Fatalf("storage loads = %d, want 1", storage.loads)
	}
}

func TestRegistry_ShutdownFlushesDirtyRooms(t *testing.T) {
	storage := newMemStorage()
	reg := testRegistry(t, storage, nil, DefaultConfig())

	r, _ := reg.GetOrCreate(context.Background(), "doc-1")
	p := &fakePeer{id: "a", userID: 1, write: true}
	if err := r.Join(p); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if err := r.ApplyUpdate("a", testUpdate(1, "a", "x", 10)); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}

	reg.Shutdown(context.Background())

	storage.mu.Lock()
	st, ok := storage.states["doc-1"]
	storage.mu.Unlock()
	if !ok || st.version != 1 {
		t.Fatalf("shutdown lost dirty state, stored = %+v ok=%v", st, ok)
	}
	if r.State() != StateEvicted {
		t.Fatalf("State() = %d, want StateEvicted after shutdown", r.State())
	}

	// 引擎不删除文档：状态仍在存储里，可以重新拉起
	r2, err := reg.GetOrCreate(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("GetOrCreate() after shutdown error = %v", err)
	}
	if got, _ := crdt.Render(r2.Encoded()); got != "x" {
		t.Fatalf("reloaded content = %q, want %q", got, "x")
	}
}
