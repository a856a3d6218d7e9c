package persist

import (
	"context"
	"log"
	"sync"
	"time"
)

// Target 是调度器操作的房间视图。
// Flush/ForkSnapshot 自己负责“锁内拷贝、锁外落盘”，调度器从不持有房间锁。
type Target interface {
	DocumentID() string
	// Flush 持久化当前状态。clean=false 表示写入期间又有新 mutation，需要立即重新排队。
	Flush(ctx context.Context) (clean bool, err error)
	// ForkSnapshot 生成一个不可变历史快照；自上次快照以来无变更时应当是 no-op。
	ForkSnapshot(ctx context.Context) error
	LastMutatedAt() time.Time
	// WarnPersistenceLag 持久化滞后超过硬上限时向房间内连接广播警告。
	WarnPersistenceLag(age time.Duration)
}

type Config struct {
	QuietWindow      time.Duration // 去抖：最后一次 mutation 之后的静默窗口
	MaxStaleness     time.Duration // 连续编辑下的强制刷新上限
	SnapshotInterval time.Duration // 周期性快照间隔
	SessionGap       time.Duration // 判定编辑会话结束的空闲间隔
	RetryBase        time.Duration // 刷新失败重试的起始退避
	RetryMax         time.Duration
	WarnAfter        time.Duration // 脏状态滞留多久后广播警告
}

func DefaultConfig() Config {
	return Config{
		QuietWindow:      2 * time.Second,
		MaxStaleness:     30 * time.Second,
		SnapshotInterval: 5 * time.Minute,
		SessionGap:       30 * time.Second,
		RetryBase:        500 * time.Millisecond,
		RetryMax:         10 * time.Second,
		WarnAfter:        2 * time.Minute,
	}
}

// Scheduler 观察脏房间并择机刷盘：去抖合并键击突发，快照独立计时。
// 每个文档一组待触发定时器，全部走 Clock，测试可以确定性推进。
type Scheduler struct {
	clock Clock
	cfg   Config

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

type entry struct {
	target     Target
	dirtySince time.Time // zero 表示干净
	flushing   bool
	attempts   int
	quiet      Timer
	stale      Timer
	session    Timer
	snapshot   Timer
	retry      Timer
}

func NewScheduler(clock Clock, cfg Config) *Scheduler {
	if cfg.QuietWindow <= 0 {
		cfg = DefaultConfig()
	}
	return &Scheduler{clock: clock, cfg: cfg, entries: make(map[string]*entry)}
}

// Mutated 由房间在每次接受 update 之后调用（fire-and-forget）。
func (s *Scheduler) Mutated(t Target) {
	docID := t.DocumentID()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	e, ok := s.entries[docID]
	if !ok {
		e = &entry{target: t}
		s.entries[docID] = e
		e.snapshot = s.clock.AfterFunc(s.cfg.SnapshotInterval, func() { s.snapshotDue(docID) })
	}
	e.target = t
	if e.dirtySince.IsZero() {
		e.dirtySince = s.clock.Now()
		// 静默窗口一直被新 mutation 顶着走时，这条保底上限兜住刷新
		e.stale = s.clock.AfterFunc(s.cfg.MaxStaleness, func() { s.flushDue(docID) })
	}
	stopTimer(e.session)
	stopTimer(e.quiet)
	e.quiet = s.clock.AfterFunc(s.cfg.QuietWindow, func() { s.flushDue(docID) })
	s.mu.Unlock()
}

func (s *Scheduler) flushDue(docID string) {
	s.mu.Lock()
	e, ok := s.entries[docID]
	if !ok || e.flushing || e.dirtySince.IsZero() {
		s.mu.Unlock()
		return
	}
	e.flushing = true
	t := e.target
	s.mu.Unlock()

	clean, err := t.Flush(context.Background())

	s.mu.Lock()
	e.flushing = false
	if err != nil {
		e.attempts++
		delay := s.backoff(e.attempts)
		age := s.clock.Now().Sub(e.dirtySince)
		stopTimer(e.retry)
		e.retry = s.clock.AfterFunc(delay, func() { s.flushDue(docID) })
		s.mu.Unlock()
		log.Printf("flush failed doc=%s attempt=%d retry_in=%s err=%v", docID, e.attempts, delay, err)
		if s.cfg.WarnAfter > 0 && age > s.cfg.WarnAfter {
			t.WarnPersistenceLag(age)
		}
		return
	}
	e.attempts = 0
	if !clean {
		// 写盘期间又有 mutation：脏标记保留，立即重新排队。
		// 脏龄从现在起算，上限定时器必须重挂——刚触发过的那只已经是哑的，
		// 后续 Mutated 看到 dirtySince 非零也不会再挂
		e.dirtySince = s.clock.Now()
		stopTimer(e.stale)
		e.stale = s.clock.AfterFunc(s.cfg.MaxStaleness, func() { s.flushDue(docID) })
		stopTimer(e.quiet)
		e.quiet = s.clock.AfterFunc(s.cfg.QuietWindow, func() { s.flushDue(docID) })
		s.mu.Unlock()
		return
	}
	e.dirtySince = time.Time{}
	stopTimer(e.quiet)
	stopTimer(e.stale)
	// 静默拉长到会话间隔时，当作一次编辑会话结束，派生快照
	stopTimer(e.session)
	e.session = s.clock.AfterFunc(s.cfg.SessionGap, func() { s.sessionDue(docID) })
	s.mu.Unlock()
}

func (s *Scheduler) sessionDue(docID string) {
	s.mu.Lock()
	e, ok := s.entries[docID]
	if !ok {
		s.mu.Unlock()
		return
	}
	t := e.target
	gap := s.clock.Now().Sub(t.LastMutatedAt())
	s.mu.Unlock()
	if gap < s.cfg.SessionGap {
		return
	}
	if err := t.ForkSnapshot(context.Background()); err != nil {
		log.Printf("session snapshot failed doc=%s err=%v", docID, err)
	}
}

func (s *Scheduler) snapshotDue(docID string) {
	s.mu.Lock()
	e, ok := s.entries[docID]
	if !ok {
		s.mu.Unlock()
		return
	}
	t := e.target
	e.snapshot = s.clock.AfterFunc(s.cfg.SnapshotInterval, func() { s.snapshotDue(docID) })
	s.mu.Unlock()
	if err := t.ForkSnapshot(context.Background()); err != nil {
		log.Printf("interval snapshot failed doc=%s err=%v", docID, err)
	}
}

// Forget 房间被驱逐后停掉该文档的所有定时器。
func (s *Scheduler) Forget(docID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[docID]; ok {
		e.stopAll()
		delete(s.entries, docID)
	}
}

func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for docID, e := range s.entries {
		e.stopAll()
		delete(s.entries, docID)
	}
}

func (s *Scheduler) backoff(attempts int) time.Duration {
	d := s.cfg.RetryBase * time.Duration(1<<(attempts-1))
	if d > s.cfg.RetryMax || d <= 0 {
		d = s.cfg.RetryMax
	}
	return d
}

func (e *entry) stopAll() {
	stopTimer(e.quiet)
	stopTimer(e.stale)
	stopTimer(e.session)
	stopTimer(e.snapshot)
	stopTimer(e.retry)
}

func stopTimer(t Timer) {
	if t != nil {
		t.Stop()
	}
}
