package models

// ScoreSheet is the structured result extracted from one settlement screenshot.
// It is the per-image artifact written next to the cached image.
type ScoreSheet struct {
	Players    []PlayerScore `json:"players" jsonschema:"score data for every player shown on the settlement screen"`
	Settlement string        `json:"settlement" jsonschema:"how the hand ended: self_draw, discard_win, robbing_kong, kong_bloom or exhaustive_draw"`

	// SourceImage links the artifact back to the image it was extracted from.
	SourceImage string `json:"source_image,omitempty" jsonschema:"file name of the analyzed image"`
}

// PlayerScore is one player's row on the settlement screen.
type PlayerScore struct {
	Player       string         `json:"player" jsonschema:"player name as displayed"`
	Patterns     []ScorePattern `json:"patterns" jsonschema:"individual scoring patterns credited to the player"`
	Win          WinPattern     `json:"win" jsonschema:"winning hand type and its multiplier"`
	TotalFan     int            `json:"total_fan" jsonschema:"total fan, usually the pattern sum times the win multiplier"`
	Dealer       bool           `json:"dealer" jsonschema:"whether the player is the dealer"`
	DealerStreak int            `json:"dealer_streak" jsonschema:"consecutive dealer rounds"`
	BaseScore    int            `json:"base_score" jsonschema:"base score for this player"`
	ScoreDelta   int            `json:"score_delta" jsonschema:"signed score change for this hand"`
}

// ScorePattern is a single fan-scoring pattern.
type ScorePattern struct {
	Name string `json:"name" jsonschema:"pattern name"`
	Fan  int    `json:"fan" jsonschema:"fan awarded at settlement"`
}

// WinPattern classifies how a player won.
type WinPattern struct {
	Name       string `json:"name" jsonschema:"win type name"`
	Multiplier int    `json:"multiplier" jsonschema:"settlement multiplier"`
}
