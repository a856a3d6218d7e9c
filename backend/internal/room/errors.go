package room

import "errors"

var (
	// ErrTooManyConnections 单文档连接数超过上限（关闭码 4503）。
	ErrTooManyConnections = errors.New("room: connection cap exceeded")
	// ErrDocumentTooLarge 合并后的编码状态超过大小上限（关闭码 1009）。
	ErrDocumentTooLarge = errors.New("room: merged state exceeds size ceiling")
	// ErrSchemaIncompatible 连续收到无法应用的 update 帧（关闭码 5000）。
	ErrSchemaIncompatible = errors.New("room: update frame incompatible with content schema")
	// ErrNotWritable 只读连接反复提交 update（关闭码 4403）。
	ErrNotWritable = errors.New("room: connection lacks write permission")
	// ErrFrameDropped 单帧被丢弃，连接继续存活。
	ErrFrameDropped = errors.New("room: update frame dropped")
	// ErrEvicted 房间已被驱逐，调用方应重新走 GetOrCreate。
	ErrEvicted = errors.New("room: room evicted")
	// ErrUnknownConnection 连接不在房间里。
	ErrUnknownConnection = errors.New("room: unknown connection")
)
