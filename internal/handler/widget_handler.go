// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"nestchat-widget-go/internal/model"
	"nestchat-widget-go/internal/realtime"
	"nestchat-widget-go/internal/repository"
	"nestchat-widget-go/internal/sanitize"
	"nestchat-widget-go/internal/service"
	"nestchat-widget-go/pkg/eventbus"
	"nestchat-widget-go/pkg/log"
	"nestchat-widget-go/pkg/token"
)

// WidgetHandler 处理挂件的引导、历史、已读、发送等 HTTP 请求。
type WidgetHandler struct {
	sessionService   service.SessionService
	messageRepo      repository.MessageRepository
	conversationRepo repository.ConversationRepository
	kv               repository.KVStore
	jwtManager       *token.JWTManager
}

// NewWidgetHandler 创建一个新的 WidgetHandler。
func NewWidgetHandler(sessionService service.SessionService, messageRepo repository.MessageRepository,
	conversationRepo repository.ConversationRepository, kv repository.KVStore, jwtManager *token.JWTManager) *WidgetHandler {
	return &WidgetHandler{
		sessionService:   sessionService,
		messageRepo:      messageRepo,
		conversationRepo: conversationRepo,
		kv:               kv,
		jwtManager:       jwtManager,
	}
}

// bootstrapRequest 是挂件引导接口的请求体。
// ClientKey 是嵌入脚本持有的浏览器级随机键，充当持久化存储的命名空间。
type bootstrapRequest struct {
	AgentID   string `json:"agent_id" binding:"required"`
	ClientKey string `json:"client_key" binding:"required"`
	PageURL   string `json:"page_url"`
	Referrer  string `json:"referrer"`
}

// Bootstrap 处理挂件加载时的引导请求：
// 签发/恢复访客身份，恢复上次活跃的会话 ID，做来源归因，签发挂件令牌。
func (h *WidgetHandler) Bootstrap(c *gin.Context) {
	var req bootstrapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求参数", "data": nil})
		return
	}
	ctx := c.Request.Context()

	sessionID, err := h.sessionService.GetOrCreateSessionID(ctx, req.ClientKey)
	if err != nil {
		log.Error("创建会话期 ID 失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "服务暂时不可用", "data": nil})
		return
	}
	visitorID, err := h.sessionService.GetOrCreateVisitorID(ctx, req.AgentID, req.ClientKey)
	if err != nil {
		log.Error("创建访客 ID 失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "服务暂时不可用", "data": nil})
		return
	}

	widgetToken, err := h.jwtManager.GenerateWidgetToken(req.AgentID, visitorID, sessionID)
	if err != nil {
		log.Error("签发挂件令牌失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "服务暂时不可用", "data": nil})
		return
	}

	// 恢复上次活跃的会话 ID（可能为空）
	activeConversationID := ""
	if id, ok, err := h.kv.Get(ctx, activeConversationKey(req.AgentID, visitorID)); err == nil && ok {
		activeConversationID = id
	}

	// 来源归因：UTM 参数优先于 referrer 分类
	attribution := sanitize.ParseUTMParams(req.PageURL)
	if attribution.EntryType == "" {
		attribution.EntryType = sanitize.DetectEntryType(req.Referrer)
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data": gin.H{
			"sessionId":      sessionID,
			"visitorId":      visitorID,
			"conversationId": activeConversationID,
			"attribution":    attribution,
			"token":          widgetToken,
		},
	})
}

// GetHistory 处理会话历史拉取请求。
// 非正式会话 ID 静默短路，返回空列表而不是错误。
func (h *WidgetHandler) GetHistory(c *gin.Context) {
	conversationID := c.Query("conversation_id")
	if !model.IsCanonicalConversationID(conversationID) {
		c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": []model.Message{}})
		return
	}

	records, err := h.messageRepo.FetchConversationMessages(conversationID)
	if err != nil {
		log.Error("拉取会话历史失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "历史拉取失败", "data": nil})
		return
	}

	messages := make([]model.Message, 0, len(records))
	for i := range records {
		messages = append(messages, records[i].ToMessage())
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": messages})
}

// markReadRequest 是已读标记接口的请求体。
type markReadRequest struct {
	ConversationID string `json:"conversation_id" binding:"required"`
}

// MarkRead 把会话中 assistant 侧的未读消息标记为已读。
func (h *WidgetHandler) MarkRead(c *gin.Context) {
	var req markReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求参数", "data": nil})
		return
	}
	if !model.IsCanonicalConversationID(req.ConversationID) {
		c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{"success": true, "updated": 0}})
		return
	}

	updated, err := h.messageRepo.MarkMessagesRead(req.ConversationID, model.RoleUser)
	if err != nil {
		log.Error("标记已读失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "标记已读失败", "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{"success": true, "updated": updated}})
}

// sendMessageRequest 是消息发送接口的请求体。
type sendMessageRequest struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content" binding:"required"`
}

// SendMessage 处理访客发送消息：
// 没有正式会话时先创建会话记录（本地占位 ID 就此升级为正式 ID），
// 落库访客消息并发布到事件总线。
func (h *WidgetHandler) SendMessage(c *gin.Context) {
	claims := c.MustGet("claims").(*token.WidgetClaims)

	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求参数", "data": nil})
		return
	}

	conversationID := req.ConversationID
	if !model.IsCanonicalConversationID(conversationID) {
		// 首条消息：签发正式会话 ID 并创建会话记录，
		// 客服工作台的接管分配挂在这行记录上
		conversationID = uuid.NewString()
		conv := &model.ConversationRecord{
			ID:        conversationID,
			AgentID:   claims.AgentID,
			VisitorID: claims.VisitorID,
			Status:    model.StatusActive,
		}
		if err := h.conversationRepo.CreateConversation(conv); err != nil {
			log.Error("创建会话记录失败", err)
			c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "消息发送失败", "data": nil})
			return
		}
	}

	record := &model.MessageRecord{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           model.RoleUser,
		Content:        req.Content,
		CreatedAt:      time.Now(),
	}
	if err := h.messageRepo.InsertMessage(record); err != nil {
		log.Error("消息落库失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "消息发送失败", "data": nil})
		return
	}

	// 持久化活跃会话 ID，回访时恢复同一会话
	if err := h.kv.Set(c.Request.Context(), activeConversationKey(claims.AgentID, claims.VisitorID), conversationID); err != nil {
		log.Warnf("持久化活跃会话 ID 失败: %v", err)
	}

	if err := eventbus.PublishEvent(realtime.Event{
		Type:           realtime.EventMessageInsert,
		ConversationID: conversationID,
		Message: &realtime.MessagePush{
			ID:        record.ID,
			Role:      record.Role,
			Content:   record.Content,
			CreatedAt: record.CreatedAt,
		},
	}); err != nil {
		// 推送失败不影响消息本身，历史拉取会补齐
		log.Warnf("发布消息事件失败: %v", err)
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data": gin.H{
			"messageId":      record.ID,
			"conversationId": conversationID,
		},
	})
}

func activeConversationKey(agentID, visitorID string) string {
	return "widget:" + agentID + ":active_conversation:" + visitorID
}
