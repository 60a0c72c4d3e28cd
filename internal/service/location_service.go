package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"

	"nestchat-widget-go/internal/model"
	"nestchat-widget-go/internal/repository"
	"nestchat-widget-go/pkg/log"
	"nestchat-widget-go/pkg/wpsite"
)

// urlSlugPatterns 是已知的页面路径形态，按优先级排列，第一个捕获组即候选 slug。
var urlSlugPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^/community/([^/]+)/?`),
	regexp.MustCompile(`^/communities/([^/]+)/?`),
	regexp.MustCompile(`^/locations/([^/]+)/?`),
	regexp.MustCompile(`^/location/([^/]+)/?`),
	regexp.MustCompile(`^/neighborhoods/([^/]+)/?`),
	regexp.MustCompile(`^/new-homes/([^/]+)/?`),
	regexp.MustCompile(`^/([^/]+)/homes/?`),
}

// DetectInput 是一次定位解析的外部输入。
type DetectInput struct {
	PageURL      string // 父页面完整 URL
	ExplicitSlug string // 嵌入页通过 data 属性显式指定的位置 slug
}

// DetectResult 是定位解析的产出：
// 解析成功时 Location 非空；否则 ShowPicker 为 true，由访客手动选择。
type DetectResult struct {
	Location   *model.DetectedLocation `json:"location,omitempty"`
	ShowPicker bool                    `json:"showPicker"`
}

// LocationService 定义了会话位置上下文的解析与选择接口。
// 策略按严格优先级依次尝试：已存储的选择、显式指定、URL 路径匹配、
// 站点 API 辅助查询；全部落空则交给访客手动选择。
type LocationService interface {
	Detect(ctx context.Context, agentID, visitorID string, in DetectInput) (DetectResult, error)
	// SelectLocation 记录访客手动选择的位置，并持久化供后续访问复用。
	SelectLocation(ctx context.Context, agentID, visitorID, locationID string) (*model.DetectedLocation, error)
	// ListActive 返回租户下可供选择的全部位置。
	ListActive(agentID string) ([]model.LocationRecord, error)
}

type locationService struct {
	locationRepo repository.LocationRepository
	kv           repository.KVStore
	site         wpsite.Client
}

// NewLocationService 创建一个新的 LocationService 实例。
func NewLocationService(locationRepo repository.LocationRepository, kv repository.KVStore, site wpsite.Client) LocationService {
	return &locationService{locationRepo: locationRepo, kv: kv, site: site}
}

func selectedLocationKey(agentID, visitorID string) string {
	return fmt.Sprintf("widget:%s:selected_location:%s", agentID, visitorID)
}

// Detect 运行定位策略链。
// 任何一步的远端故障都只会让该策略落空，绝不会让整个挂件失败。
func (s *locationService) Detect(ctx context.Context, agentID, visitorID string, in DetectInput) (DetectResult, error) {
	// 1. 已存储的选择：命中即短路所有后续策略
	if loc := s.loadStoredSelection(ctx, agentID, visitorID); loc != nil {
		return DetectResult{Location: loc}, nil
	}

	// 2. 显式指定的 slug
	if in.ExplicitSlug != "" {
		record, err := s.locationRepo.FindActiveBySlug(agentID, in.ExplicitSlug)
		if err != nil {
			log.Warnf("显式 slug 查找失败: %v", err)
		} else if record != nil {
			return DetectResult{Location: record.ToDetected(model.DetectionExplicit)}, nil
		}
	}

	// 3. URL 路径模式匹配
	slug := extractSlugFromURL(in.PageURL)
	if slug != "" {
		record, err := s.locationRepo.FindActiveBySlug(agentID, slug)
		if err != nil {
			log.Warnf("URL slug 查找失败: %v", err)
		} else if record != nil {
			return DetectResult{Location: record.ToDetected(model.DetectionURLPattern)}, nil
		}

		// 4. 辅助查询：slug 未直接命中时，请求站点 API 解析所属社区后重试
		if s.site != nil {
			if communitySlug, err := s.site.LookupCommunitySlug(ctx, slug); err == nil && communitySlug != "" {
				record, err := s.locationRepo.FindActiveBySlug(agentID, communitySlug)
				if err != nil {
					log.Warnf("社区 slug 查找失败: %v", err)
				} else if record != nil {
					return DetectResult{Location: record.ToDetected(model.DetectionWordPressAPI)}, nil
				}
			} else if err != nil {
				// 超时和非 2xx 一律按无结果处理
				log.Debugf("站点辅助查询无结果: %v", err)
			}
		}
	}

	// 5. 未能定位，交给访客手动选择
	return DetectResult{ShowPicker: true}, nil
}

// SelectLocation 校验并持久化访客手动选择的位置。
func (s *locationService) SelectLocation(ctx context.Context, agentID, visitorID, locationID string) (*model.DetectedLocation, error) {
	record, err := s.locationRepo.FindActiveByID(agentID, locationID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("位置不存在或未激活: %s", locationID)
	}

	detected := record.ToDetected(model.DetectionUserSelected)
	raw, err := json.Marshal(detected)
	if err != nil {
		return nil, fmt.Errorf("序列化位置选择失败: %w", err)
	}
	if err := s.kv.Set(ctx, selectedLocationKey(agentID, visitorID), string(raw)); err != nil {
		// 持久化失败不影响本次选择生效
		log.Warnf("持久化位置选择失败: %v", err)
	}
	return detected, nil
}

// ListActive 返回租户下全部 active 位置。
func (s *locationService) ListActive(agentID string) ([]model.LocationRecord, error) {
	return s.locationRepo.FindActiveByAgent(agentID)
}

// loadStoredSelection 读取此前持久化的位置选择。
// 数据损坏按不存在处理，并顺手清掉坏数据。
func (s *locationService) loadStoredSelection(ctx context.Context, agentID, visitorID string) *model.DetectedLocation {
	raw, ok, err := s.kv.Get(ctx, selectedLocationKey(agentID, visitorID))
	if err != nil || !ok {
		return nil
	}
	var loc model.DetectedLocation
	if err := json.Unmarshal([]byte(raw), &loc); err != nil || loc.ID == "" {
		_ = s.kv.Remove(ctx, selectedLocationKey(agentID, visitorID))
		return nil
	}
	loc.Method = model.DetectionUserSelected
	return &loc
}

// extractSlugFromURL 依次用已知路径模式匹配页面 URL，返回第一个捕获到的 slug。
func extractSlugFromURL(pageURL string) string {
	if pageURL == "" {
		return ""
	}
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	path := parsed.Path
	for _, pattern := range urlSlugPatterns {
		if m := pattern.FindStringSubmatch(path); len(m) > 1 {
			return m[1]
		}
	}
	return ""
}
