package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"nestchat-widget-go/internal/service"
	"nestchat-widget-go/pkg/log"
	"nestchat-widget-go/pkg/token"
)

// LocationHandler 处理会话位置上下文相关的 API 请求。
type LocationHandler struct {
	locationService service.LocationService
}

// NewLocationHandler 创建一个新的 LocationHandler。
func NewLocationHandler(locationService service.LocationService) *LocationHandler {
	return &LocationHandler{locationService: locationService}
}

// detectRequest 是定位解析接口的请求体。
type detectRequest struct {
	PageURL      string `json:"page_url"`
	ExplicitSlug string `json:"explicit_slug"`
}

// Detect 运行定位策略链，返回解析出的位置或改为展示选择器的指示。
func (h *LocationHandler) Detect(c *gin.Context) {
	claims := c.MustGet("claims").(*token.WidgetClaims)

	var req detectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求参数", "data": nil})
		return
	}

	result, err := h.locationService.Detect(c.Request.Context(), claims.AgentID, claims.VisitorID, service.DetectInput{
		PageURL:      req.PageURL,
		ExplicitSlug: req.ExplicitSlug,
	})
	if err != nil {
		log.Error("定位解析失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "定位解析失败", "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": result})
}

// selectRequest 是手动选择位置接口的请求体。
type selectRequest struct {
	LocationID string `json:"location_id" binding:"required"`
}

// Select 记录访客手动选择的位置。
func (h *LocationHandler) Select(c *gin.Context) {
	claims := c.MustGet("claims").(*token.WidgetClaims)

	var req selectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求参数", "data": nil})
		return
	}

	detected, err := h.locationService.SelectLocation(c.Request.Context(), claims.AgentID, claims.VisitorID, req.LocationID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "位置选择失败", "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": detected})
}

// List 返回租户下可供选择的全部位置。
func (h *LocationHandler) List(c *gin.Context) {
	claims := c.MustGet("claims").(*token.WidgetClaims)

	locations, err := h.locationService.ListActive(claims.AgentID)
	if err != nil {
		log.Error("位置列表查询失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "位置列表查询失败", "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": locations})
}
