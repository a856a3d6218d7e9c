package ws

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"syncServer/backend/internal/cache"
	"syncServer/backend/internal/gate"
	"syncServer/backend/internal/room"
)

// 全局的 WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Config struct {
	JoinTimeout  time.Duration // Access Gate 超时，超时按认证失败关闭
	IdleTimeout  time.Duration // 无帧无 awareness 的空闲上限，超过算正常离开
	MaxFrameSize int64
	PresenceTTL  time.Duration
}

func DefaultConfig() Config {
	return Config{
		JoinTimeout:  10 * time.Second,
		IdleTimeout:  10 * time.Minute,
		MaxFrameSize: 16 << 20,
		PresenceTTL:  10 * time.Minute,
	}
}

// Manager 每个连接的协议状态机入口：升级、鉴权、入房、转发、拆除。
type Manager struct {
	registry *room.Registry
	gate     *gate.Gate
	presence cache.PresenceCache // 可为 nil
	cfg      Config
}

func NewManager(registry *room.Registry, g *gate.Gate, presence cache.PresenceCache, cfg Config) *Manager {
	if cfg.JoinTimeout == 0 {
		cfg = DefaultConfig()
	}
	return &Manager{registry: registry, gate: g, presence: presence, cfg: cfg}
}

// Connect 连接生命周期：Connecting → Joining → Synced → Closing → Closed。
func (m *Manager) Connect(c *gin.Context) {
	docID := c.Query("docId")
	if docID == "" {
		c.String(http.StatusBadRequest, "missing docId")
		return
	}
	// 浏览器的 WebSocket 不能带自定义 Header，允许从 ?token= 取凭证
	credential := extractBearer(c.Request.Header.Get("Authorization"))
	if credential == "" {
		credential = strings.TrimSpace(c.Query("token"))
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(m.cfg.MaxFrameSize)

	// Joining：鉴权失败立刻带关闭码关掉，不碰任何房间
	authCtx, cancel := context.WithTimeout(context.Background(), m.cfg.JoinTimeout)
	sess, err := m.gate.Authorize(authCtx, docID, credential)
	cancel()
	if err != nil {
		code, reason := authCloseCode(err)
		closeConn(conn, code, reason)
		return
	}

	var r *room.Room
	var wsConn *Conn
	for attempt := 0; ; attempt++ {
		r, err = m.registry.GetOrCreate(c.Request.Context(), docID)
		if err != nil {
			log.Printf("room load failed doc=%s: %v", docID, err)
			closeConn(conn, websocket.CloseInternalServerErr, "document unavailable")
			return
		}
		wsConn = newConn(conn, uuid.NewString(), docID, sess, r, m.presence, m.cfg)
		err = r.Join(wsConn)
		if err == nil {
			break
		}
		if errors.Is(err, room.ErrEvicted) && attempt < 2 {
			// 取到房间和入房之间被驱逐：重新取一个新房间
			continue
		}
		if errors.Is(err, room.ErrTooManyConnections) {
			closeConn(conn, CloseTooManyConnections, "too many connections")
		} else {
			closeConn(conn, websocket.CloseInternalServerErr, "join failed")
		}
		return
	}
	if m.presence != nil {
		if err := m.presence.AddMember(c.Request.Context(), docID, sess.UserID, sess.Username, m.cfg.PresenceTTL); err != nil {
			log.Printf("presence add failed (doc=%s user=%d): %v", docID, sess.UserID, err)
		}
	}

	// 先起写循环，Join 投递的初始同步才能发出去；读循环阻塞到连接关闭
	go wsConn.writeLoop()
	wsConn.readLoop(c.Request.Context())

	// Closing：先同步离房，保证房间的连接数不过期
	r.Leave(wsConn.id)
	if m.presence != nil {
		if err := m.presence.RemoveMember(context.Background(), docID, sess.UserID); err != nil {
			log.Printf("presence remove failed (doc=%s user=%d): %v", docID, sess.UserID, err)
		}
	}
}

// Members 房间在线成员查询（给外围 UI 用，走 presence 镜像）。
func (m *Manager) Members(c *gin.Context) {
	if m.presence == nil {
		c.JSON(http.StatusOK, gin.H{"members": []cache.Member{}})
		return
	}
	docID := c.Query("docId")
	if docID == "" {
		c.String(http.StatusBadRequest, "missing docId")
		return
	}
	members, err := m.presence.AliveMembers(c.Request.Context(), docID)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "presence unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

// authCloseCode 把准入失败翻译成关闭码。只有确定的拒绝才用 4401/4403——
// 权限查询的底层故障（库挂了、超时）不是拒绝访问，给客户端可重试的 1013。
func authCloseCode(err error) (int, string) {
	switch {
	case errors.Is(err, gate.ErrAuthorizationFailed):
		return CloseAuthorizationFailed, "access denied"
	case errors.Is(err, gate.ErrAuthenticationFailed):
		return CloseAuthenticationFailed, "access denied"
	default:
		return websocket.CloseTryAgainLater, "access check unavailable"
	}
}

func closeConn(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}
