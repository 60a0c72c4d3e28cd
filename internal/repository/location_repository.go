package repository

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"nestchat-widget-go/internal/model"
)

// LocationRepository 定义了位置目录的只读查询接口。
// 所有查询都限定在单个租户的 active 状态位置内。
type LocationRepository interface {
	FindActiveByAgent(agentID string) ([]model.LocationRecord, error)
	FindActiveBySlug(agentID, slug string) (*model.LocationRecord, error)
	FindActiveByID(agentID, locationID string) (*model.LocationRecord, error)
}

// locationRepository 是 LocationRepository 接口的 GORM 实现。
type locationRepository struct {
	db *gorm.DB
}

// NewLocationRepository 创建一个新的 LocationRepository 实例。
func NewLocationRepository(db *gorm.DB) LocationRepository {
	return &locationRepository{db: db}
}

// FindActiveByAgent 返回租户下的全部 active 位置。
func (r *locationRepository) FindActiveByAgent(agentID string) ([]model.LocationRecord, error) {
	var locations []model.LocationRecord
	err := r.db.Where("agent_id = ? AND status = ?", agentID, model.LocationStatusActive).
		Find(&locations).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active locations: %w", err)
	}
	return locations, nil
}

// FindActiveBySlug 按 wordpress_slug 精确查找一个 active 位置。
// 未命中返回 (nil, nil)，调用方据此落入下一个定位策略。
func (r *locationRepository) FindActiveBySlug(agentID, slug string) (*model.LocationRecord, error) {
	var location model.LocationRecord
	err := r.db.Where("agent_id = ? AND wordpress_slug = ? AND status = ?",
		agentID, slug, model.LocationStatusActive).
		First(&location).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find location by slug: %w", err)
	}
	return &location, nil
}

// FindActiveByID 按主键查找一个 active 位置。
func (r *locationRepository) FindActiveByID(agentID, locationID string) (*model.LocationRecord, error) {
	var location model.LocationRecord
	err := r.db.Where("id = ? AND agent_id = ? AND status = ?",
		locationID, agentID, model.LocationStatusActive).
		First(&location).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find location by id: %w", err)
	}
	return &location, nil
}
