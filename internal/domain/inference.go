package domain

type Prediction struct {
	Label        string  `json:"label"`
	Confidence   float64 `json:"confidence"`
	ModelVersion string  `json:"model_version"`
}

// InferenceResult is the model output for one fused record. Proposal is
// nil when the model suggests no parameter change.
type InferenceResult struct {
	Prediction Prediction `json:"prediction"`
	Proposal   *Proposal  `json:"recommendation,omitempty"`
}
