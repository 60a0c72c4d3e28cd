package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nestchat-widget-go/internal/model"
	"nestchat-widget-go/internal/repository"
)

// fakeLocationRepo 是 LocationRepository 的测试替身，按 slug/ID 索引内存表。
type fakeLocationRepo struct {
	records []model.LocationRecord
}

func (f *fakeLocationRepo) FindActiveByAgent(agentID string) ([]model.LocationRecord, error) {
	var out []model.LocationRecord
	for _, r := range f.records {
		if r.AgentID == agentID && r.Status == model.LocationStatusActive {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeLocationRepo) FindActiveBySlug(agentID, slug string) (*model.LocationRecord, error) {
	for _, r := range f.records {
		if r.AgentID == agentID && r.WordPressSlug == slug && r.Status == model.LocationStatusActive {
			record := r
			return &record, nil
		}
	}
	return nil, nil
}

func (f *fakeLocationRepo) FindActiveByID(agentID, id string) (*model.LocationRecord, error) {
	for _, r := range f.records {
		if r.AgentID == agentID && r.ID == id && r.Status == model.LocationStatusActive {
			record := r
			return &record, nil
		}
	}
	return nil, nil
}

// fakeSiteClient 模拟站点 API 的"房型页 -> 所属社区"辅助查询。
type fakeSiteClient struct {
	mapping map[string]string
	calls   int
}

func (f *fakeSiteClient) LookupCommunitySlug(_ context.Context, homeSlug string) (string, error) {
	f.calls++
	if slug, ok := f.mapping[homeSlug]; ok {
		return slug, nil
	}
	return "", errors.New("not found")
}

func newLocationFixture() (*fakeLocationRepo, *fakeSiteClient, repository.KVStore) {
	repo := &fakeLocationRepo{records: []model.LocationRecord{
		{ID: "loc-1", AgentID: "agent-a", Name: "Forge Lake", WordPressSlug: "forge-lake", City: "Austin", State: "TX", Status: model.LocationStatusActive},
		{ID: "loc-2", AgentID: "agent-a", Name: "Cedar Ridge", WordPressSlug: "cedar-ridge", City: "Dallas", State: "TX", Status: model.LocationStatusActive},
		{ID: "loc-3", AgentID: "agent-a", Name: "Old Mill", WordPressSlug: "old-mill", Status: model.LocationStatusInactive},
	}}
	site := &fakeSiteClient{mapping: map[string]string{"the-aspen": "cedar-ridge"}}
	return repo, site, repository.NewMemoryKVStore()
}

func TestLocationService_URLPatternDetection(t *testing.T) {
	repo, site, kv := newLocationFixture()
	svc := NewLocationService(repo, kv, site)

	tests := []struct {
		name     string
		pageURL  string
		wantID   string
		wantShow bool
	}{
		{"community path", "https://example.com/community/forge-lake/", "loc-1", false},
		{"communities path", "https://example.com/communities/cedar-ridge", "loc-2", false},
		{"locations path", "https://example.com/locations/forge-lake/amenities", "loc-1", false},
		{"homes suffix", "https://example.com/forge-lake/homes/", "loc-1", false},
		{"unknown slug", "https://example.com/community/nowhere/", "", true},
		{"inactive location", "https://example.com/community/old-mill/", "", true},
		{"no pattern", "https://example.com/about-us/", "", true},
		{"empty url", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := svc.Detect(context.Background(), "agent-a", "visitor-1", DetectInput{PageURL: tt.pageURL})
			require.NoError(t, err)
			assert.Equal(t, tt.wantShow, res.ShowPicker)
			if tt.wantID != "" {
				require.NotNil(t, res.Location)
				assert.Equal(t, tt.wantID, res.Location.ID)
				assert.Equal(t, model.DetectionURLPattern, res.Location.Method)
			}
		})
	}
}

func TestLocationService_ExplicitSlugBeatsURL(t *testing.T) {
	repo, site, kv := newLocationFixture()
	svc := NewLocationService(repo, kv, site)

	res, err := svc.Detect(context.Background(), "agent-a", "visitor-1", DetectInput{
		PageURL:      "https://example.com/community/forge-lake/",
		ExplicitSlug: "cedar-ridge",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Location)
	assert.Equal(t, "loc-2", res.Location.ID)
	assert.Equal(t, model.DetectionExplicit, res.Location.Method)
}

func TestLocationService_SiteAssistedLookup(t *testing.T) {
	repo, site, kv := newLocationFixture()
	svc := NewLocationService(repo, kv, site)

	// "the-aspen" 不是任何位置的 slug，但站点 API 知道它属于 cedar-ridge 社区
	res, err := svc.Detect(context.Background(), "agent-a", "visitor-1", DetectInput{
		PageURL: "https://example.com/community/the-aspen/",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Location)
	assert.Equal(t, "loc-2", res.Location.ID)
	assert.Equal(t, model.DetectionWordPressAPI, res.Location.Method)
	assert.Equal(t, 1, site.calls)
}

func TestLocationService_StoredSelectionShortCircuits(t *testing.T) {
	repo, site, kv := newLocationFixture()
	svc := NewLocationService(repo, kv, site)

	selected, err := svc.SelectLocation(context.Background(), "agent-a", "visitor-1", "loc-1")
	require.NoError(t, err)
	assert.Equal(t, model.DetectionUserSelected, selected.Method)

	// 之后的每次解析都命中已存储的选择，URL 和站点 API 一概不再参与
	res, err := svc.Detect(context.Background(), "agent-a", "visitor-1", DetectInput{
		PageURL: "https://example.com/community/cedar-ridge/",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Location)
	assert.Equal(t, "loc-1", res.Location.ID)
	assert.Equal(t, model.DetectionUserSelected, res.Location.Method)
	assert.Equal(t, 0, site.calls)

	// 但其他访客不受影响
	res, err = svc.Detect(context.Background(), "agent-a", "visitor-2", DetectInput{
		PageURL: "https://example.com/community/cedar-ridge/",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Location)
	assert.Equal(t, "loc-2", res.Location.ID)
}

func TestLocationService_CorruptStoredSelectionRemoved(t *testing.T) {
	repo, site, kv := newLocationFixture()
	key := fmt.Sprintf("widget:%s:selected_location:%s", "agent-a", "visitor-1")
	require.NoError(t, kv.Set(context.Background(), key, "{broken"))
	svc := NewLocationService(repo, kv, site)

	res, err := svc.Detect(context.Background(), "agent-a", "visitor-1", DetectInput{})
	require.NoError(t, err)
	assert.True(t, res.ShowPicker)

	_, ok, err := kv.Get(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, ok, "损坏的存储选择应当被清除")
}

func TestLocationService_SelectUnknownLocationFails(t *testing.T) {
	repo, site, kv := newLocationFixture()
	svc := NewLocationService(repo, kv, site)

	_, err := svc.SelectLocation(context.Background(), "agent-a", "visitor-1", "loc-404")
	assert.Error(t, err)

	_, err = svc.SelectLocation(context.Background(), "agent-a", "visitor-1", "loc-3")
	assert.Error(t, err, "未激活的位置不可选")
}

func TestLocationService_ListActiveFiltersStatus(t *testing.T) {
	repo, site, kv := newLocationFixture()
	svc := NewLocationService(repo, kv, site)

	records, err := svc.ListActive("agent-a")
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestExtractSlugFromURL(t *testing.T) {
	tests := []struct {
		pageURL string
		want    string
	}{
		{"https://example.com/community/forge-lake/", "forge-lake"},
		{"https://example.com/neighborhoods/cedar-ridge", "cedar-ridge"},
		{"https://example.com/new-homes/the-aspen/plans", "the-aspen"},
		{"https://example.com/forge-lake/homes", "forge-lake"},
		{"https://example.com/blog/2024/", ""},
		{"://bad", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, extractSlugFromURL(tt.pageURL), tt.pageURL)
	}
}
