package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"syncServer/backend/internal/crdt"
	"syncServer/backend/internal/persist"
)

// State 房间生命周期：Loading → Active → Draining → Evicted。
type State int

const (
	StateLoading State = iota
	StateActive
	StateDraining
	StateEvicted
)

// StateStorage 外部存储协作方（文档当前状态）。
type StateStorage interface {
	Load(ctx context.Context, docID string) (encoded []byte, version uint64, found bool, err error)
	Save(ctx context.Context, docID string, encoded []byte, version uint64) error
}

// SnapshotStorage 外部存储协作方（不可变历史快照）。
type SnapshotStorage interface {
	Create(ctx context.Context, docID string, encoded []byte, version uint64, contributors []uint64, schema int) error
}

// EventSink 每次接受 mutation 之后对外发出的事件。实现必须自己保证非阻塞。
type EventSink interface {
	DocumentMutated(docID string, userID uint64, version uint64, at time.Time)
}

type Config struct {
	MaxConnections int // 单文档连接上限
	MaxEncodedSize int // 合并状态的字节上限
	// UpdateErrorTolerance 同一连接连续坏帧/越权帧累计到这个值就关连接。
	UpdateErrorTolerance int
	IdleGrace            time.Duration // 空房间保留的宽限期
}

func DefaultConfig() Config {
	return Config{
		MaxConnections:       50,
		MaxEncodedSize:       10 << 20,
		UpdateErrorTolerance: 3,
		IdleGrace:            3 * time.Minute,
	}
}

// Room 一个文档的单一在线权威：持有可变状态、连接集合和 awareness 表。
// 所有 mutation 在 mu 下串行执行，这是合并算法保证收敛的前提。
type Room struct {
	docID     string
	content   crdt.ContentType
	storage   StateStorage
	snapshots SnapshotStorage
	events    EventSink
	sched     *persist.Scheduler
	clock     persist.Clock
	cfg       Config
	release   func() // 最后一个连接离开时通知注册表

	mu              sync.Mutex
	state           State
	encoded         []byte
	version         uint64
	dirty           bool
	lastMutatedAt   time.Time
	lastPersistedAt time.Time
	snapshotVersion uint64
	conns           map[string]Peer
	awareness       map[string][]byte
	contributors    map[uint64]struct{}
	badFrames       map[string]int
	writeDenied     map[string]int
}

// Join 连接加入房间：检查连接上限，给新连接发全量状态与现有 awareness，
// 并向其他成员广播上线通知。Draining 中的房间被 join 直接重新激活。
func (r *Room) Join(p Peer) error {
	r.mu.Lock()
	switch r.state {
	case StateEvicted:
		r.mu.Unlock()
		return ErrEvicted
	case StateDraining:
		r.state = StateActive
	}
	if len(r.conns) >= r.cfg.MaxConnections {
		r.mu.Unlock()
		return ErrTooManyConnections
	}
	r.conns[p.ID()] = p
	snapshot := append([]byte(nil), r.encoded...)
	type entry struct {
		from    string
		payload []byte
	}
	existing := make([]entry, 0, len(r.awareness))
	for from, payload := range r.awareness {
		existing = append(existing, entry{from, payload})
	}
	peers := r.peersLocked(p.ID())
	r.mu.Unlock()

	p.Deliver(Message{Kind: MessageSync, Payload: snapshot})
	for _, e := range existing {
		p.Deliver(Message{Kind: MessageAwareness, From: e.from, Payload: e.payload})
	}
	notice, _ := json.Marshal(presenceNotice{ConnectionID: p.ID(), UserID: p.UserID(), Online: true})
	for _, q := range peers {
		q.Deliver(Message{Kind: MessagePresence, From: p.ID(), Payload: notice})
	}
	return nil
}

// SyncTo 响应显式的 Sync-Request：把当前全量状态再发一次。
func (r *Room) SyncTo(connID string) error {
	r.mu.Lock()
	p, ok := r.conns[connID]
	snapshot := append([]byte(nil), r.encoded...)
	r.mu.Unlock()
	if !ok {
		return ErrUnknownConnection
	}
	p.Deliver(Message{Kind: MessageSync, Payload: snapshot})
	return nil
}

// ApplyUpdate 把一个 update 帧合并进状态并原样广播给房间内其他连接。
// 引擎对内容透明：只合并、只转发，不理解 update 的语义。
func (r *Room) ApplyUpdate(connID string, update []byte) error {
	r.mu.Lock()
	p, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownConnection
	}
	// 权限在帧边界上复查，不依赖 join 时刻的检查
	if !p.CanWrite() {
		r.writeDenied[connID]++
		n := r.writeDenied[connID]
		r.mu.Unlock()
		if n >= r.cfg.UpdateErrorTolerance {
			return ErrNotWritable
		}
		return fmt.Errorf("%w: read-only connection", ErrFrameDropped)
	}
	merged, err := r.content.Apply(r.encoded, update)
	if err != nil {
		r.badFrames[connID]++
		n := r.badFrames[connID]
		r.mu.Unlock()
		if n >= r.cfg.UpdateErrorTolerance {
			return fmt.Errorf("%w: %v", ErrSchemaIncompatible, err)
		}
		return fmt.Errorf("%w: %v", ErrFrameDropped, err)
	}
	if r.cfg.MaxEncodedSize > 0 && r.content.Size(merged) > r.cfg.MaxEncodedSize {
		r.mu.Unlock()
		return ErrDocumentTooLarge
	}
	r.badFrames[connID] = 0
	r.encoded = merged
	r.version++
	r.dirty = true
	now := r.clock.Now()
	r.lastMutatedAt = now
	r.contributors[p.UserID()] = struct{}{}
	version := r.version
	userID := p.UserID()
	frame := append([]byte(nil), update...)
	peers := r.peersLocked(connID)
	r.mu.Unlock()

	for _, q := range peers {
		q.Deliver(Message{Kind: MessageUpdate, From: connID, Payload: frame})
	}
	if r.events != nil {
		r.events.DocumentMutated(r.docID, userID, version, now)
	}
	if r.sched != nil {
		r.sched.Mutated(r)
	}
	return nil
}

// Awareness 替换该连接的在线状态并广播。从不持久化、从不因大小拒绝。
func (r *Room) Awareness(connID string, payload []byte) error {
	r.mu.Lock()
	if _, ok := r.conns[connID]; !ok {
		r.mu.Unlock()
		return ErrUnknownConnection
	}
	r.awareness[connID] = append([]byte(nil), payload...)
	peers := r.peersLocked(connID)
	r.mu.Unlock()
	for _, q := range peers {
		q.Deliver(Message{Kind: MessageAwareness, From: connID, Payload: payload})
	}
	return nil
}

// Leave 移除连接。最后一个连接离开时转入 Draining 并通知注册表。
func (r *Room) Leave(connID string) {
	r.mu.Lock()
	p, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)
	delete(r.awareness, connID)
	delete(r.badFrames, connID)
	delete(r.writeDenied, connID)
	empty := len(r.conns) == 0
	if empty && r.state == StateActive {
		r.state = StateDraining
	}
	peers := r.peersLocked(connID)
	userID := p.UserID()
	r.mu.Unlock()

	notice, _ := json.Marshal(presenceNotice{ConnectionID: connID, UserID: userID, Online: false})
	for _, q := range peers {
		q.Deliver(Message{Kind: MessagePresence, From: connID, Payload: notice})
	}
	if empty && r.release != nil {
		r.release()
	}
}

func (r *Room) DocumentID() string { return r.docID }

func (r *Room) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Room) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns) == 0
}

func (r *Room) Dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty
}

func (r *Room) Version() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// Encoded 返回当前编码状态的拷贝。
func (r *Room) Encoded() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.encoded...)
}

func (r *Room) LastMutatedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastMutatedAt
}

// Flush 落盘当前状态：锁内拷贝，锁外写存储。
// 写盘期间有新 mutation 时不清脏标记，返回 clean=false 让调度器立即重排。
func (r *Room) Flush(ctx context.Context) (bool, error) {
	r.mu.Lock()
	if !r.dirty {
		r.mu.Unlock()
		return true, nil
	}
	encoded := append([]byte(nil), r.encoded...)
	version := r.version
	r.mu.Unlock()

	if err := r.storage.Save(ctx, r.docID, encoded, version); err != nil {
		return false, err
	}

	r.mu.Lock()
	clean := r.version == version
	if clean {
		r.dirty = false
		r.lastPersistedAt = r.clock.Now()
	}
	r.mu.Unlock()
	return clean, nil
}

// ForkSnapshot 派生一个不可变历史快照，带上自上次快照以来的贡献者。
// 版本没有前进时是 no-op（快照幂等）。
func (r *Room) ForkSnapshot(ctx context.Context) error {
	r.mu.Lock()
	if r.version == r.snapshotVersion {
		r.mu.Unlock()
		return nil
	}
	encoded := append([]byte(nil), r.encoded...)
	version := r.version
	captured := r.contributors
	r.contributors = make(map[uint64]struct{})
	r.mu.Unlock()

	ids := make([]uint64, 0, len(captured))
	for id := range captured {
		ids = append(ids, id)
	}
	if err := r.snapshots.Create(ctx, r.docID, encoded, version, ids, r.content.Schema()); err != nil {
		// 失败时把贡献者放回去，下次快照补上
		r.mu.Lock()
		for id := range captured {
			r.contributors[id] = struct{}{}
		}
		r.mu.Unlock()
		return err
	}
	r.mu.Lock()
	if version > r.snapshotVersion {
		r.snapshotVersion = version
	}
	r.mu.Unlock()
	return nil
}

// WarnPersistenceLag 持久化滞后超过硬上限时的尽力而为广播；编辑继续，不关连接。
func (r *Room) WarnPersistenceLag(age time.Duration) {
	payload, _ := json.Marshal(lagWarning{Type: "persistence_lag", AgeSeconds: int64(age.Seconds())})
	r.mu.Lock()
	peers := r.peersLocked("")
	r.mu.Unlock()
	for _, q := range peers {
		q.Deliver(Message{Kind: MessageWarning, Payload: payload})
	}
}

func (r *Room) markEvicted() {
	r.mu.Lock()
	r.state = StateEvicted
	r.mu.Unlock()
}

// peersLocked 调用方必须持有 r.mu。
func (r *Room) peersLocked(except string) []Peer {
	peers := make([]Peer, 0, len(r.conns))
	for id, p := range r.conns {
		if id == except {
			continue
		}
		peers = append(peers, p)
	}
	return peers
}
