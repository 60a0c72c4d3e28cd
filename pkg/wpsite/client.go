// Package wpsite 提供了一个与嵌入站点（WordPress）REST API 交互的客户端。
// 当 URL 路径匹配到的 slug 无法直接命中位置目录时，
// 通过它把房源 slug 解析为所属社区的 slug 后再次查找。
package wpsite

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"nestchat-widget-go/internal/config"
)

// Client 定义了站点辅助查询的接口。
type Client interface {
	// LookupCommunitySlug 把一个房源/楼盘 slug 解析为其所属社区的 slug。
	// 查不到或站点不可用时返回错误，调用方应视作"无结果"。
	LookupCommunitySlug(ctx context.Context, homeSlug string) (string, error)
}

type siteClient struct {
	baseURL string
	client  *http.Client
}

// NewClient 创建一个新的站点客户端实例。
// 超时是硬性上限，超过后本次辅助查询按无结果处理。
func NewClient(cfg config.SiteConfig) Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &siteClient{
		baseURL: cfg.APIBaseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// communityResponse 对应站点 API 的响应结构。
type communityResponse struct {
	CommunitySlug string `json:"community_slug"`
}

// LookupCommunitySlug 调用站点 API 把房源 slug 解析为社区 slug。
func (c *siteClient) LookupCommunitySlug(ctx context.Context, homeSlug string) (string, error) {
	if c.baseURL == "" {
		return "", fmt.Errorf("站点 API 未配置")
	}

	endpoint := fmt.Sprintf("%s/wp-json/nestchat/v1/home-community?slug=%s", c.baseURL, url.QueryEscape(homeSlug))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("调用站点 API 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("站点 API 返回错误 [%d]", resp.StatusCode)
	}

	var body communityResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("解析站点 API 响应失败: %w", err)
	}
	if body.CommunitySlug == "" {
		return "", fmt.Errorf("站点 API 未返回社区 slug")
	}
	return body.CommunitySlug, nil
}
