package ws

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"syncServer/backend/internal/cache"
	"syncServer/backend/internal/gate"
	"syncServer/backend/internal/room"
)

// Conn 一条已通过鉴权、已入房的连接。
// 实现 room.Peer：Deliver 只入队，队列满丢消息，慢连接永远不拖房间。
type Conn struct {
	ws       *websocket.Conn
	id       string
	docID    string
	userID   uint64
	username string
	perm     gate.Permission
	room     *room.Room
	presence cache.PresenceCache // 可为 nil

	idleTimeout time.Duration
	presenceTTL time.Duration

	send chan []byte
}

func newConn(wsConn *websocket.Conn, id, docID string, sess gate.Session, r *room.Room, presence cache.PresenceCache, cfg Config) *Conn {
	return &Conn{
		ws:          wsConn,
		id:          id,
		docID:       docID,
		userID:      sess.UserID,
		username:    sess.Username,
		perm:        sess.Permission,
		room:        r,
		presence:    presence,
		idleTimeout: cfg.IdleTimeout,
		presenceTTL: cfg.PresenceTTL,
		send:        make(chan []byte, 64),
	}
}

func (c *Conn) ID() string     { return c.id }
func (c *Conn) UserID() uint64 { return c.userID }
func (c *Conn) CanWrite() bool { return c.perm == gate.PermissionWrite }

func (c *Conn) Deliver(msg room.Message) {
	var ft FrameType
	switch msg.Kind {
	case room.MessageSync:
		ft = FrameSyncReply
	case room.MessageUpdate:
		ft = FrameUpdate
	case room.MessagePresence:
		ft = FramePresence
	case room.MessageWarning:
		ft = FrameWarning
	default:
		ft = FrameAwareness
	}
	select {
	case c.send <- EncodeFrame(ft, msg.Payload):
	default:
		// 队列满：丢弃。客户端下次 Sync-Request 能拿到全量状态补齐
	}
}

// readLoop 阻塞到连接关闭。返回后由调用方同步执行 room.Leave。
func (c *Conn) readLoop(ctx context.Context) {
	defer close(c.send)
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.idleTimeout))
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			// 空闲超时和对端关闭都算正常离开
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		ft, payload, err := DecodeFrame(data)
		if err != nil {
			log.Printf("bad frame (conn=%s doc=%s): %v", c.id, c.docID, err)
			continue
		}
		switch ft {
		case FrameSyncRequest:
			_ = c.room.SyncTo(c.id)

		case FrameUpdate:
			if err := c.room.ApplyUpdate(c.id, payload); err != nil {
				if !c.handleUpdateErr(err) {
					return
				}
			}

		case FrameAwareness:
			_ = c.room.Awareness(c.id, payload)
			if c.presence != nil {
				// 顺带刷新在线镜像的 TTL；失败只记日志
				if err := c.presence.AddMember(ctx, c.docID, c.userID, c.username, c.presenceTTL); err != nil {
					log.Printf("presence refresh failed (doc=%s user=%d): %v", c.docID, c.userID, err)
				}
			}
		}
	}
}

// handleUpdateErr 返回 false 表示连接该关了。
func (c *Conn) handleUpdateErr(err error) bool {
	switch {
	case errors.Is(err, room.ErrFrameDropped):
		log.Printf("update dropped (conn=%s doc=%s): %v", c.id, c.docID, err)
		return true
	case errors.Is(err, room.ErrDocumentTooLarge):
		c.closeWith(CloseDocumentTooLarge, "document too large")
	case errors.Is(err, room.ErrNotWritable):
		c.closeWith(CloseAuthorizationFailed, "write not permitted")
	case errors.Is(err, room.ErrSchemaIncompatible):
		c.closeWith(CloseEditorUpdateRequired, "editor update required")
	default:
		log.Printf("update error (conn=%s doc=%s): %v", c.id, c.docID, err)
		return true
	}
	return false
}

func (c *Conn) writeLoop() {
	for frame := range c.send {
		if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return
		}
	}
}

func (c *Conn) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = c.ws.Close()
}
