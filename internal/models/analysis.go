package models

// AnalysisResult is the advisory produced by the AI analysis engine for one
// candidate. The advisory body is treated as opaque HTML-safe text.
type AnalysisResult struct {
	ID       string `json:"id"` // unique per invocation, for log correlation
	Advisory string `json:"advisory"`
	Model    string `json:"model"`
	Grounded bool   `json:"grounded"` // true when web-search context was available
}
