package event

import "time"

// MutationEvent 每次接受 mutation 后对外发出的事件，
// 下游的通知/索引系统消费，不回流进引擎。
type MutationEvent struct {
	EventType string    `json:"eventType"` // 固定 "DOC_MUTATED"
	DocID     string    `json:"docId"`
	UserID    uint64    `json:"userId"`
	Version   uint64    `json:"version"`
	AppliedAt time.Time `json:"appliedAt"`
}
