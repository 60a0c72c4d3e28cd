// Package sanitize 提供了消息文本的纯函数清洗能力。
// 当挂件已经用更丰富的交互（链接预览卡片、拨号按钮）呈现了某段内容时，
// 这里负责把消息正文中重复的原始 URL / 电话号码剔除掉，
// 并对访客来源（referrer / UTM 参数）做归因分类。
package sanitize

import (
	"net/url"
	"regexp"
	"strings"

	"nestchat-widget-go/internal/model"
)

var (
	// http(s) URL 片段
	urlPattern = regexp.MustCompile(`https?://[^\s<>"')\]]+`)

	// URL 前的引导语，如 "Learn more:"、"Visit:"
	urlLeadInPattern = regexp.MustCompile(`(?i)\b(learn more|visit us at|visit|check out|see more|more info|view here|click here|read more)\s*[:：]\s*`)

	// 美式电话号码：可带 +1 前缀、括号区号、空格/点/横线分隔
	phonePattern = regexp.MustCompile(`(\+?1[\s.\-]?)?\(?\d{3}\)?[\s.\-]?\d{3}[\s.\-]?\d{4}\b`)

	// 电话号码前的引导语，如 "call us at"、"dial:"
	phoneLeadInPattern = regexp.MustCompile(`(?i)(\b(give us a call at|call us at|text us at|reach us at)\s+|\b(call|dial|phone)\s*[:：]\s*)`)

	multiSpacePattern   = regexp.MustCompile(`[ \t]{2,}`)
	multiNewlinePattern = regexp.MustCompile(`\n{3,}`)
	spacedNewlineRe     = regexp.MustCompile(`[ \t]*\n[ \t]*`)
)

// 已知搜索引擎域名片段，命中则归为 organic。
var searchEngineDomains = []string{
	"google.", "bing.", "yahoo.", "duckduckgo.", "baidu.", "yandex.", "ecosia.",
}

// 已知社交平台域名片段，命中则归为 social。
var socialDomains = []string{
	"facebook.", "instagram.", "twitter.", "x.com", "linkedin.", "pinterest.",
	"tiktok.", "youtube.", "reddit.", "nextdoor.",
}

// 已知邮箱服务域名片段，命中则归为 email。
var webmailDomains = []string{
	"mail.google.", "outlook.live.", "outlook.office.", "mail.yahoo.",
	"mail.aol.", "webmail.",
}

// 命中以下 utm_medium 值则归为付费流量。
var paidMediums = []string{"cpc", "ppc", "paid", "cpm", "display", "retargeting"}

// StripURLs 在消息已渲染链接预览卡片时，从正文中剔除原始 URL 及其引导语。
// hasLinkPreviews 为 false 时原样返回。确定性、全函数，无失败路径。
func StripURLs(text string, hasLinkPreviews bool) string {
	if !hasLinkPreviews {
		return text
	}
	cleaned := urlPattern.ReplaceAllString(text, "")
	cleaned = urlLeadInPattern.ReplaceAllString(cleaned, "")
	return CleanupFormatting(cleaned)
}

// StripPhoneNumbers 在消息已渲染拨号按钮时，从正文中剔除电话号码及其引导语。
// hasCallActions 为 false 时原样返回。
func StripPhoneNumbers(text string, hasCallActions bool) string {
	if !hasCallActions {
		return text
	}
	cleaned := phoneLeadInPattern.ReplaceAllString(text, "")
	cleaned = phonePattern.ReplaceAllString(cleaned, "")
	return CleanupFormatting(cleaned)
}

// CleanupFormatting 收敛剔除后残留的排版痕迹：
// 连续空格合并为一个，三个以上连续换行压缩为两个，去掉首尾空白。
func CleanupFormatting(text string) string {
	cleaned := multiSpacePattern.ReplaceAllString(text, " ")
	cleaned = spacedNewlineRe.ReplaceAllString(cleaned, "\n")
	cleaned = multiNewlinePattern.ReplaceAllString(cleaned, "\n\n")
	return strings.TrimSpace(cleaned)
}

// DetectEntryType 按 referrer 对访客来源做分类。
// 空 referrer 视为直接访问；无法归类的一律算 referral。
func DetectEntryType(referrer string) model.EntryType {
	if strings.TrimSpace(referrer) == "" {
		return model.EntryDirect
	}
	lower := strings.ToLower(referrer)
	// 邮箱域名先判：mail.google.com 同时含有搜索引擎域名片段
	for _, d := range webmailDomains {
		if strings.Contains(lower, d) {
			return model.EntryEmail
		}
	}
	for _, d := range searchEngineDomains {
		if strings.Contains(lower, d) {
			return model.EntryOrganic
		}
	}
	for _, d := range socialDomains {
		if strings.Contains(lower, d) {
			return model.EntrySocial
		}
	}
	return model.EntryReferral
}

// ParseUTMParams 从落地页 URL 中提取 UTM 归因参数。
// utm_medium 命中付费媒介集合时额外标记 paid；URL 无法解析时返回空记录，不报错。
func ParseUTMParams(rawURL string) model.Attribution {
	var attr model.Attribution
	if strings.TrimSpace(rawURL) == "" {
		return attr
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return model.Attribution{}
	}
	query := parsed.Query()
	attr.UTMSource = query.Get("utm_source")
	attr.UTMMedium = query.Get("utm_medium")
	attr.UTMCampaign = query.Get("utm_campaign")
	attr.UTMTerm = query.Get("utm_term")
	attr.UTMContent = query.Get("utm_content")

	medium := strings.ToLower(attr.UTMMedium)
	for _, m := range paidMediums {
		if medium == m {
			attr.EntryType = model.EntryPaid
			break
		}
	}
	return attr
}
