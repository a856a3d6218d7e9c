package ws

import (
	"errors"
	"fmt"
)

// 帧格式：1 字节类型 + 不透明负载。负载（update/awareness/全量状态）
// 引擎一概不解释。
type FrameType byte

const (
	// FrameSyncRequest 客户端入房后请求全量状态。
	FrameSyncRequest FrameType = 0x00
	// FrameSyncReply 服务端下发的全量编码状态。
	FrameSyncReply FrameType = 0x01
	// FrameUpdate 双向的合并算法 update 片段。
	FrameUpdate FrameType = 0x02
	// FrameAwareness 双向的在线状态负载（光标等）。
	FrameAwareness FrameType = 0x03
	// FramePresence 服务端生成的成员上线/下线通知（仅服务端→客户端）。
	FramePresence FrameType = 0x04
	// FrameWarning 服务端生成的尽力而为警告，如持久化滞后（仅服务端→客户端）。
	FrameWarning FrameType = 0x05
)

// 关闭码，按协议表逐位一致。
const (
	CloseDocumentTooLarge     = 1009
	CloseAuthenticationFailed = 4401
	CloseAuthorizationFailed  = 4403
	CloseTooManyConnections   = 4503
	CloseEditorUpdateRequired = 5000
)

var ErrShortFrame = errors.New("ws: frame shorter than header")

func EncodeFrame(t FrameType, payload []byte) []byte {
	frame := make([]byte, 1+len(payload))
	frame[0] = byte(t)
	copy(frame[1:], payload)
	return frame
}

func DecodeFrame(frame []byte) (FrameType, []byte, error) {
	if len(frame) < 1 {
		return 0, nil, ErrShortFrame
	}
	t := FrameType(frame[0])
	if t > FrameWarning {
		return 0, nil, fmt.Errorf("ws: unknown frame type 0x%02x", frame[0])
	}
	return t, frame[1:], nil
}
