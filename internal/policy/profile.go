package policy

import "strings"

// Strategy decides what a domain sync does.
type Strategy string

const (
	ReadOnly      Strategy = "read-only"
	SelectiveSync Strategy = "selective-sync"
	FullSync      Strategy = "full-sync"
)

func (s Strategy) Valid() bool {
	switch s {
	case ReadOnly, SelectiveSync, FullSync:
		return true
	}
	return false
}

// Profile is the synchronization policy of one data domain.
type Profile struct {
	Domain   string   `json:"domain" mapstructure:"domain"`
	Strategy Strategy `json:"strategy" mapstructure:"strategy"`
	// CacheDuration is in seconds. It is both the TTL of cached responses
	// and the debounce window of SyncDomain.
	CacheDuration  int      `json:"cache_duration" mapstructure:"cache_duration"`
	SyncOnMount    bool     `json:"sync_on_mount" mapstructure:"sync_on_mount"`
	BackgroundSync bool     `json:"background_sync" mapstructure:"background_sync"`
	Prefetch       []string `json:"prefetch,omitempty" mapstructure:"prefetch"`
	MaxCacheBytes  int64    `json:"max_cache_bytes" mapstructure:"max_cache_bytes"`
	OfflineView    bool     `json:"offline_view" mapstructure:"offline_view"`
	OfflineEdit    bool     `json:"offline_edit" mapstructure:"offline_edit"`
}

// DefaultDomain names the fallback profile.
const DefaultDomain = "default"

// DefaultProfile is used for domains without a configured profile.
func DefaultProfile() Profile {
	return Profile{
		Domain:        DefaultDomain,
		Strategy:      ReadOnly,
		CacheDuration: 3600,
		OfflineView:   true,
	}
}

// DefaultProfiles is the built-in profile set.
func DefaultProfiles() []Profile {
	return []Profile{
		{
			Domain:         "medical",
			Strategy:       FullSync,
			CacheDuration:  1800,
			SyncOnMount:    true,
			BackgroundSync: true,
			Prefetch:       []string{"/medical/records", "/medical/analyses"},
			MaxCacheBytes:  5 << 20,
			OfflineView:    true,
			OfflineEdit:    true,
		},
		{
			Domain:         "portfolio-risk",
			Strategy:       SelectiveSync,
			CacheDuration:  300,
			SyncOnMount:    true,
			BackgroundSync: true,
			Prefetch:       []string{"/portfolio/holdings", "/portfolio/risk"},
			MaxCacheBytes:  2 << 20,
			OfflineView:    true,
		},
		{
			Domain:        "gas-vehicle",
			Strategy:      ReadOnly,
			CacheDuration: 3600,
			Prefetch:      []string{"/vehicles/gas/diagnostics"},
			MaxCacheBytes: 1 << 20,
			OfflineView:   true,
		},
		{
			Domain:         "ev-vehicle",
			Strategy:       SelectiveSync,
			CacheDuration:  900,
			SyncOnMount:    true,
			Prefetch:       []string{"/vehicles/ev/diagnostics", "/vehicles/ev/battery"},
			MaxCacheBytes:  1 << 20,
			OfflineView:    true,
		},
	}
}

// normalize folds case and treats '_' and '-' alike.
func normalize(domain string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(domain)), "_", "-")
}
