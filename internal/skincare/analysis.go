package skincare

import "encoding/json"

// SkinType is the coarse classification returned by the analysis service.
type SkinType string

const (
	SkinTypeDry         SkinType = "Dry"
	SkinTypeOily        SkinType = "Oily"
	SkinTypeCombination SkinType = "Combination"
	SkinTypeSensitive   SkinType = "Sensitive"
	SkinTypeNormal      SkinType = "Normal"
)

// ParseSkinType reports whether s names a known skin type.
func ParseSkinType(s string) (SkinType, bool) {
	switch t := SkinType(s); t {
	case SkinTypeDry, SkinTypeOily, SkinTypeCombination, SkinTypeSensitive, SkinTypeNormal:
		return t, true
	}
	return "", false
}

// AnalysisResult is the stage-1 output. Its JSON form is also the stage-2
// request body.
type AnalysisResult struct {
	SkinType       SkinType `json:"skinType"`
	Concerns       []string `json:"concerns"`
	HydrationLevel int      `json:"hydrationLevel"`
	UVDamage       int      `json:"uvDamage"`
}

// Product is passed through from the recommendation service untouched.
type Product = json.RawMessage

// RecommendationSet is the ordered stage-2 output.
type RecommendationSet struct {
	Products []Product `json:"products"`
}

// UniqueConcerns drops repeated concerns, keeping first-seen order.
func UniqueConcerns(concerns []string) []string {
	seen := make(map[string]struct{}, len(concerns))
	out := make([]string, 0, len(concerns))
	for _, c := range concerns {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
