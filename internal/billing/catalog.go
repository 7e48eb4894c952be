package billing

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// DefaultFreeTokens is the signup grant used when the billing plugin
// config does not set one.
const DefaultFreeTokens = 50

// Catalog is the billing plugin's decoded config block.
type Catalog struct {
	FreeTokens  int64            `yaml:"free_tokens"`
	ActionCosts map[string]int64 `yaml:"action_costs"`
	Packages    []Package        `yaml:"packages"`
}

// ParseCatalog decodes the free-form plugin config map into a typed
// catalog. The round trip through YAML keeps the accepted shapes
// identical to what the bot file itself allows.
func ParseCatalog(m map[string]any) (Catalog, error) {
	cat := Catalog{FreeTokens: DefaultFreeTokens}
	if len(m) == 0 {
		return cat, nil
	}
	raw, err := yaml.Marshal(m)
	if err != nil {
		return cat, fmt.Errorf("encode billing config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cat); err != nil {
		return cat, fmt.Errorf("decode billing config: %w", err)
	}
	if cat.FreeTokens < 0 {
		cat.FreeTokens = 0
	}
	return cat, nil
}
