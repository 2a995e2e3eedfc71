package transform

import "strings"

// FamilyMapping sends every model name containing Token to Target
type FamilyMapping struct {
	Token  string `yaml:"token"`
	Target string `yaml:"target"`
}

// ModelMap resolves inbound model names to backend model ids. Mappings are
// tried in order with a case-insensitive substring match.
type ModelMap struct {
	families []FamilyMapping
}

func NewModelMap(families []FamilyMapping) ModelMap {
	cleaned := make([]FamilyMapping, 0, len(families))
	for _, f := range families {
		token := strings.ToLower(strings.TrimSpace(f.Token))
		if token == "" || f.Target == "" {
			continue
		}
		cleaned = append(cleaned, FamilyMapping{Token: token, Target: f.Target})
	}
	return ModelMap{families: cleaned}
}

// DefaultFamilies maps the three inbound model families.
func DefaultFamilies() []FamilyMapping {
	return []FamilyMapping{
		{Token: "opus", Target: "claude-opus-4"},
		{Token: "sonnet", Target: "claude-sonnet-4"},
		{Token: "haiku", Target: "claude-3.5-haiku"},
	}
}

// Resolve returns the backend id for model. Unknown names pass through
// unchanged so the backend reports them.
func (m ModelMap) Resolve(model string) string {
	lower := strings.ToLower(model)
	for _, f := range m.families {
		if strings.Contains(lower, f.Token) {
			return f.Target
		}
	}
	return model
}
