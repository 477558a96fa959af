package policy

import "github.com/yourorg/assetgw/internal/models"

const (
	hour = 3600
	day  = 24 * hour
)

// defaults is the compiled-in table used when no stored policy matches.
var defaults = map[models.Scope]models.AssetPolicy{
	models.ScopeMessageAttachment: {
		AllowedContexts: []string{
			"preview:web", "preview:mobile", "preview:assistant",
			"download:web", "download:mobile", "download:assistant",
		},
		DefaultTTLSeconds: hour,
		MaxTTLSeconds:     day,
	},
	models.ScopeTemplateAsset: {
		AllowedContexts:   []string{"preview:web", "render:web", "render:assistant", "download:web"},
		DefaultTTLSeconds: 2 * hour,
		MaxTTLSeconds:     day,
	},
	models.ScopeExecutionPlan: {
		AllowedContexts:   []string{"read:assistant", "download:assistant", "execute:system"},
		DefaultTTLSeconds: hour / 2,
		MaxTTLSeconds:     2 * hour,
	},
	models.ScopeSharedInternal: {
		AllowedContexts:   []string{models.WildcardContext},
		DefaultTTLSeconds: day,
		MaxTTLSeconds:     7 * day,
	},
	models.ScopeProfileAvatar: {
		AllowedContexts:   []string{"preview:web", "preview:mobile", "preview:email"},
		DefaultTTLSeconds: day,
		MaxTTLSeconds:     7 * day,
	},
	models.ScopeWorkspaceAsset: {
		AllowedContexts: []string{
			"preview:web", "preview:mobile",
			"download:web", "download:mobile", "download:assistant",
		},
		DefaultTTLSeconds: hour,
		MaxTTLSeconds:     day,
	},
}

// DefaultPolicy returns the built-in policy for scope.
func DefaultPolicy(scope models.Scope) (models.AssetPolicy, bool) {
	p, ok := defaults[scope]
	if !ok {
		return models.AssetPolicy{}, false
	}
	p.ID = "default:" + string(scope)
	p.Scope = scope
	p.IsActive = true
	p.AllowedContexts = append([]string(nil), p.AllowedContexts...)
	return p, true
}
