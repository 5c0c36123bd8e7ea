package domain

// Conflict is one attribute-level mismatch between a delta's recorded old
// state and the live feature at apply time.
type Conflict struct {
	Attribute string `json:"attribute"`
	Expected  any    `json:"expected"`
	Actual    any    `json:"actual"`
}
