package room

import (
	"context"
	"fmt"
	"log"
	"sync"

	"syncServer/backend/internal/crdt"
	"syncServer/backend/internal/persist"
)

// RegistryOptions 注入的协作方。Events 可为 nil（关掉事件外发）。
type RegistryOptions struct {
	Events    EventSink
	Scheduler *persist.Scheduler
	Clock     persist.Clock
	Config    Config
}

// Registry 进程级 documentID -> Room 映射。
// 创建用 per-key 锁串行：同一文档的并发首次 join 只构造一个房间，
// 不同文档之间互不排队。
type Registry struct {
	content   crdt.ContentType
	storage   StateStorage
	snapshots SnapshotStorage
	events    EventSink
	sched     *persist.Scheduler
	clock     persist.Clock
	cfg       Config

	mu      sync.Mutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	mu   sync.Mutex
	room *Room
	idle persist.Timer
}

func NewRegistry(content crdt.ContentType, storage StateStorage, snapshots SnapshotStorage, opts RegistryOptions) *Registry {
	cfg := opts.Config
	if cfg.MaxConnections == 0 {
		cfg = DefaultConfig()
	}
	clock := opts.Clock
	if clock == nil {
		clock = persist.NewRealClock()
	}
	return &Registry{
		content:   content,
		storage:   storage,
		snapshots: snapshots,
		events:    opts.Events,
		sched:     opts.Scheduler,
		clock:     clock,
		cfg:       cfg,
		entries:   make(map[string]*registryEntry),
	}
}

// GetOrCreate 返回文档的唯一活跃房间，必要时从存储加载状态。
// 加载在 per-key 锁下进行：并发的首次 join 在这里排队，而不是各自去读存储。
func (g *Registry) GetOrCreate(ctx context.Context, docID string) (*Room, error) {
	for {
		g.mu.Lock()
		e, ok := g.entries[docID]
		if !ok {
			e = &registryEntry{}
			g.entries[docID] = e
		}
		g.mu.Unlock()

		e.mu.Lock()
		// 拿锁期间条目可能已被驱逐摘除，换新条目重来
		g.mu.Lock()
		if g.entries[docID] != e {
			g.mu.Unlock()
			e.mu.Unlock()
			continue
		}
		g.mu.Unlock()

		if e.idle != nil {
			// 宽限期内有新 join：取消驱逐
			e.idle.Stop()
			e.idle = nil
		}
		if e.room != nil && e.room.State() != StateEvicted {
			r := e.room
			e.mu.Unlock()
			return r, nil
		}

		r := g.newRoom(docID)
		encoded, version, found, err := g.storage.Load(ctx, docID)
		if err != nil {
			e.mu.Unlock()
			return nil, fmt.Errorf("load document state: %w", err)
		}
		if !found {
			encoded = g.content.Seed()
			version = 0
		}
		r.mu.Lock()
		r.encoded = encoded
		r.version = version
		r.state = StateActive
		r.mu.Unlock()
		e.room = r
		e.mu.Unlock()
		return r, nil
	}
}

func (g *Registry) newRoom(docID string) *Room {
	r := &Room{
		docID:        docID,
		content:      g.content,
		storage:      g.storage,
		snapshots:    g.snapshots,
		events:       g.events,
		sched:        g.sched,
		clock:        g.clock,
		cfg:          g.cfg,
		state:        StateLoading,
		conns:        make(map[string]Peer),
		awareness:    make(map[string][]byte),
		contributors: make(map[uint64]struct{}),
		badFrames:    make(map[string]int),
		writeDenied:  make(map[string]int),
	}
	r.release = func() { g.release(docID) }
	return r
}

// release 房间连接数归零时调用：先尽快落一次盘，再挂空闲宽限期定时器。
func (g *Registry) release(docID string) {
	g.mu.Lock()
	e, ok := g.entries[docID]
	g.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.room
	if r == nil {
		return
	}
	if r.Dirty() {
		go func() {
			if _, err := r.Flush(context.Background()); err != nil {
				log.Printf("drain flush failed doc=%s err=%v", docID, err)
			}
		}()
	}
	if e.idle != nil {
		e.idle.Stop()
	}
	e.idle = g.clock.AfterFunc(g.cfg.IdleGrace, func() { g.evict(docID) })
}

func (g *Registry) evict(docID string) {
	g.mu.Lock()
	e, ok := g.entries[docID]
	g.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.idle == nil {
		// 定时器触发后、回调抢到锁之前被新 join 取消：放弃驱逐
		return
	}
	e.idle = nil
	r := e.room
	if r == nil || !r.Empty() {
		// 宽限期内房间被重新激活
		return
	}
	if r.Dirty() {
		if _, err := r.Flush(context.Background()); err != nil {
			// 刷不动就再等一个宽限期，不能带着脏状态驱逐
			log.Printf("evict flush failed doc=%s err=%v", docID, err)
			e.idle = g.clock.AfterFunc(g.cfg.IdleGrace, func() { g.evict(docID) })
			return
		}
	}
	r.markEvicted()
	if g.sched != nil {
		g.sched.Forget(docID)
	}
	g.mu.Lock()
	if g.entries[docID] == e {
		delete(g.entries, docID)
	}
	g.mu.Unlock()
}

// Shutdown 进程退出时排空所有房间：逐个落盘并标记驱逐。
func (g *Registry) Shutdown(ctx context.Context) {
	g.mu.Lock()
	entries := make(map[string]*registryEntry, len(g.entries))
	for docID, e := range g.entries {
		entries[docID] = e
	}
	g.entries = make(map[string]*registryEntry)
	g.mu.Unlock()

	for docID, e := range entries {
		e.mu.Lock()
		r := e.room
		if e.idle != nil {
			e.idle.Stop()
		}
		e.mu.Unlock()
		if r == nil {
			continue
		}
		if _, err := r.Flush(ctx); err != nil {
			log.Printf("shutdown flush failed doc=%s err=%v", docID, err)
		}
		r.markEvicted()
		if g.sched != nil {
			g.sched.Forget(docID)
		}
	}
}
