package model

// EntryType 标记访客进入会话的流量来源分类。
type EntryType string

const (
	EntryDirect   EntryType = "direct"
	EntryOrganic  EntryType = "organic"
	EntrySocial   EntryType = "social"
	EntryEmail    EntryType = "email"
	EntryReferral EntryType = "referral"
	EntryPaid     EntryType = "paid"
)

// Attribution 是从落地页 URL 中提取的 UTM 归因记录。
// 所有字段都是可选的；URL 无法解析时得到零值记录。
type Attribution struct {
	UTMSource   string    `json:"utm_source,omitempty"`
	UTMMedium   string    `json:"utm_medium,omitempty"`
	UTMCampaign string    `json:"utm_campaign,omitempty"`
	UTMTerm     string    `json:"utm_term,omitempty"`
	UTMContent  string    `json:"utm_content,omitempty"`
	EntryType   EntryType `json:"entry_type,omitempty"`
}

// IsEmpty 判断归因记录是否没有任何有效字段。
func (a Attribution) IsEmpty() bool {
	return a == Attribution{}
}
