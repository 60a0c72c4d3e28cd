package model

// 定位方式常量，标记 DetectedLocation 的来源策略。
const (
	DetectionUserSelected = "user_selected"
	DetectionExplicit     = "explicit"
	DetectionURLPattern   = "url_pattern"
	DetectionWordPressAPI = "wordpress_api"
)

// 位置状态常量。
const (
	LocationStatusActive   = "active"
	LocationStatusInactive = "inactive"
)

// DetectedLocation 是定位解析器的产出，对消费方只读。
type DetectedLocation struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Slug   string `json:"slug,omitempty"`
	City   string `json:"city,omitempty"`
	State  string `json:"state,omitempty"`
	Method string `json:"method"` // 命中的策略标签
}

// LocationRecord 定义了 widget_locations 表的 ORM 模型。
// 一行对应租户下的一个物理/业务位置（如一个社区售楼处）。
type LocationRecord struct {
	ID            string `gorm:"type:varchar(36);primaryKey" json:"id"`
	AgentID       string `gorm:"type:varchar(36);index;not null" json:"agentId"`
	Name          string `gorm:"type:varchar(100);not null" json:"name"`
	WordPressSlug string `gorm:"column:wordpress_slug;type:varchar(100);index" json:"wordpressSlug"`
	City          string `gorm:"type:varchar(100)" json:"city"`
	State         string `gorm:"type:varchar(50)" json:"state"`
	Status        string `gorm:"type:varchar(16);not null;default:'active'" json:"status"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (LocationRecord) TableName() string {
	return "widget_locations"
}

// ToDetected 把一条位置记录转换为带策略标签的定位结果。
func (r *LocationRecord) ToDetected(method string) *DetectedLocation {
	return &DetectedLocation{
		ID:     r.ID,
		Name:   r.Name,
		Slug:   r.WordPressSlug,
		City:   r.City,
		State:  r.State,
		Method: method,
	}
}
