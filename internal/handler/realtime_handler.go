package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"nestchat-widget-go/internal/config"
	"nestchat-widget-go/internal/model"
	"nestchat-widget-go/internal/realtime"
	"nestchat-widget-go/internal/repository"
	"nestchat-widget-go/internal/service"
	"nestchat-widget-go/pkg/eventbus"
	"nestchat-widget-go/pkg/log"
	"nestchat-widget-go/pkg/token"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 挂件嵌在第三方站点上，允许所有来源
	},
}

// RealtimeHandler 负责处理挂件的 WebSocket 连接。
// 它是运行时的编排者：为每个连接装配一个会话状态管理器和三个流适配器，
// 并在活跃会话 ID 变化时统一驱动 Attach/Detach，
// 保证每类流任一时刻至多一个活跃订阅。
type RealtimeHandler struct {
	jwtManager       *token.JWTManager
	sessionService   service.SessionService
	messageRepo      repository.MessageRepository
	conversationRepo repository.ConversationRepository
	staffRepo        repository.StaffRepository
	kv               repository.KVStore
	broker           *realtime.Broker
}

// NewRealtimeHandler 创建一个新的 RealtimeHandler。
func NewRealtimeHandler(jwtManager *token.JWTManager, sessionService service.SessionService,
	messageRepo repository.MessageRepository, conversationRepo repository.ConversationRepository,
	staffRepo repository.StaffRepository, kv repository.KVStore, broker *realtime.Broker) *RealtimeHandler {
	return &RealtimeHandler{
		jwtManager:       jwtManager,
		sessionService:   sessionService,
		messageRepo:      messageRepo,
		conversationRepo: conversationRepo,
		staffRepo:        staffRepo,
		kv:               kv,
		broker:           broker,
	}
}

// clientFrame 是挂件前端发来的控制帧。
type clientFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	View           string `json:"view,omitempty"`
	Content        string `json:"content,omitempty"`
}

// wsSink 把会话状态管理器的输出事件序列化为 WebSocket 帧推给前端。
// 写操作由互斥锁保护，因为管理器回调可能来自消费者 goroutine。
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSink) send(frame interface{}) {
	b, err := json.Marshal(frame)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteMessage(websocket.TextMessage, b)
}

func (s *wsSink) MessageAppended(msg model.Message) {
	s.send(gin.H{"type": "message", "data": msg})
}

func (s *wsSink) MessagePatched(id string, reactions []model.Reaction, readAt *time.Time) {
	s.send(gin.H{"type": "patch", "data": gin.H{"id": id, "reactions": reactions, "read_at": readAt}})
}

func (s *wsSink) TypingChanged(typing bool, agentName string) {
	s.send(gin.H{"type": "typing", "data": gin.H{"isTyping": typing, "agentName": agentName}})
}

func (s *wsSink) TakeoverChanged(active bool, agent *model.TakeoverAgent) {
	s.send(gin.H{"type": "takeover", "data": gin.H{"active": active, "agent": agent}})
}

func (s *wsSink) ScrollToBottom(behavior string) {
	s.send(gin.H{"type": "scroll", "data": gin.H{"behavior": behavior}})
}

func (s *wsSink) PlayNotificationSound() {
	s.send(gin.H{"type": "sound"})
}

// Handle 处理一个传入的 WebSocket 连接。
func (h *RealtimeHandler) Handle(c *gin.Context) {
	tokenString := c.Param("token")
	claims, err := h.jwtManager.VerifyToken(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效的 token", "data": nil})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	log.Infof("挂件 WebSocket 连接已建立，访客: %s", claims.VisitorID)

	sink := &wsSink{conn: conn}
	mgr := service.NewConversationManager(
		claims.AgentID, claims.VisitorID,
		h.messageRepo, h.kv, sink,
		config.Conf.Widget.PreviewLength,
		time.Duration(config.Conf.Widget.ReadDebounceMS)*time.Millisecond,
	)
	defer mgr.Dispose()

	messageAdapter := realtime.NewMessageStreamAdapter(h.broker, mgr)
	typingAdapter := realtime.NewTypingStreamAdapter(h.broker, mgr)
	statusAdapter := realtime.NewStatusStreamAdapter(h.broker, mgr, h.sessionService, h.staffRepo, claims.AgentID)
	detachAll := func() {
		messageAdapter.Detach()
		typingAdapter.Detach()
		statusAdapter.Detach()
	}
	defer detachAll()

	// 活跃会话 ID 的变化是唯一的订阅生命周期来源
	switchConversation := func(conversationID string) {
		mgr.Activate(c.Request.Context(), conversationID)
		messageAdapter.Attach(conversationID)
		typingAdapter.Attach(conversationID)
		statusAdapter.Attach(conversationID)
	}

	// 恢复上次活跃的会话
	if restored := mgr.ActiveConversationID(); restored != "" {
		switchConversation(restored)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Debugf("从 WebSocket 读取消息失败: %v", err)
			break
		}

		var frame clientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.Warnf("无法解析挂件控制帧: %s", string(raw))
			continue
		}

		switch frame.Type {
		case "activate":
			switchConversation(frame.ConversationID)
		case "open":
			mgr.SetOpen(true)
		case "close":
			mgr.SetOpen(false)
		case "view":
			mgr.SetView(frame.View)
		case "send":
			h.handleSend(claims, mgr, switchConversation, frame.Content)
		default:
			log.Warnf("未知的挂件控制帧类型: %s", frame.Type)
		}
	}
}

// handleSend 处理访客经 WebSocket 发出的消息：
// 没有正式会话时先创建会话记录并签发正式 ID（本地占位 ID 就此升级），
// 本地追加并落库，然后把写入事件发布到总线。
func (h *RealtimeHandler) handleSend(claims *token.WidgetClaims, mgr *service.ConversationManager,
	switchConversation func(string), content string) {
	if content == "" {
		return
	}

	conversationID := mgr.ActiveConversationID()
	if !model.IsCanonicalConversationID(conversationID) {
		canonical := uuid.NewString()
		conv := &model.ConversationRecord{
			ID:        canonical,
			AgentID:   claims.AgentID,
			VisitorID: claims.VisitorID,
			Status:    model.StatusActive,
		}
		if err := h.conversationRepo.CreateConversation(conv); err != nil {
			log.Error("创建会话记录失败", err)
			return
		}
		if conversationID != "" {
			// 已有本地占位会话：原位升级，保留已累计的消息
			mgr.PromoteConversationID(context.Background(), canonical)
		}
		switchConversation(canonical)
		conversationID = canonical
	}

	msg := model.Message{
		ID:        uuid.NewString(),
		Role:      model.RoleUser,
		Content:   content,
		Timestamp: time.Now(),
		Read:      true,
	}
	mgr.AppendLocalMessage(context.Background(), msg)

	if err := eventbus.PublishEvent(realtime.Event{
		Type:           realtime.EventMessageInsert,
		ConversationID: conversationID,
		Message: &realtime.MessagePush{
			ID:        msg.ID,
			Role:      msg.Role,
			Content:   msg.Content,
			CreatedAt: msg.Timestamp,
		},
	}); err != nil {
		log.Warnf("发布消息事件失败: %v", err)
	}
}
