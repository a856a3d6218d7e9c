package room

// MessageKind 房间向连接投递的消息类别。
type MessageKind int

const (
	// MessageSync 全量编码状态（初始同步 / Sync-Reply）。
	MessageSync MessageKind = iota
	// MessageUpdate 原样转发的合并算法 update 帧。
	MessageUpdate
	// MessageAwareness 不透明的在线状态负载。
	MessageAwareness
	// MessagePresence 引擎自己生成的成员上线/下线通知。
	MessagePresence
	// MessageWarning 尽力而为的警告广播（如持久化滞后）。
	MessageWarning
)

type Message struct {
	Kind MessageKind
	// From 发起连接 id；引擎生成的消息为空。
	From    string
	Payload []byte
}

// Peer 房间眼中的一条连接。Deliver 必须非阻塞：
// 慢连接自己丢消息，不允许拖住房间的串行操作循环。
type Peer interface {
	ID() string
	UserID() uint64
	CanWrite() bool
	Deliver(msg Message)
}

type presenceNotice struct {
	ConnectionID string `json:"connectionId"`
	UserID       uint64 `json:"userId"`
	Online       bool   `json:"online"`
}

type lagWarning struct {
	Type       string `json:"type"` // 固定 "persistence_lag"
	AgeSeconds int64  `json:"ageSeconds"`
}
