package crdt

import "errors"

// ErrBadUpdate: update 帧无法在当前状态上解码/应用（通常是客户端内容 schema 过旧）。
var ErrBadUpdate = errors.New("crdt: update frame does not apply to current state")

// ContentType 是同步引擎唯一接触文档内容的入口。
// 引擎本身把 state/update 当作不透明字节：只要 Apply 满足交换律、结合律、幂等性
// （CRDT 合并），房间内所有连接最终收敛到同一个 state。
type ContentType interface {
	// Seed 返回一个空文档的编码状态。
	Seed() []byte
	// Apply 把一个 update 帧合并进 state，返回新的编码状态。
	// 任何顺序、任何重复次数的 Apply 必须得到相同结果。
	Apply(state, update []byte) ([]byte, error)
	// Size 返回编码状态的字节大小，用于容量上限判断。
	Size(state []byte) int
	// Schema 当前内容编码的 schema 版本，写进历史快照。
	Schema() int
}
