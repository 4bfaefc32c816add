package domain

// FallbackAction names the explicit next step a human operator should take
// when automation stops.
type FallbackAction string

const (
	FallbackManualMapping  FallbackAction = "manual_mapping_required"
	FallbackManualPreview  FallbackAction = "manual_preview_required"
	FallbackManualControls FallbackAction = "enable_manual_controls"
	FallbackManualReview   FallbackAction = "manual_review_required"
	FallbackUploadNewFile  FallbackAction = "upload_different_file"
)

// Fallback pairs a fallback action with a human-readable instruction.
type Fallback struct {
	Action      FallbackAction `json:"fallbackAction"`
	Instruction string         `json:"instruction"`
}

var fallbackInstructions = map[FallbackAction]string{
	FallbackManualMapping:  "Review the suggested field mappings and map the remaining columns manually",
	FallbackManualPreview:  "Generate the preview manually once the mappings have been checked",
	FallbackManualControls: "Automatic processing stopped; continue the import using the manual controls",
	FallbackManualReview:   "Retries are exhausted; review the failed rows and fix the source file",
	FallbackUploadNewFile:  "The file could not be read; re-export it as a UTF-8 CSV and upload it again",
}

// NewFallback builds a Fallback with the standard instruction for action.
func NewFallback(action FallbackAction) *Fallback {
	return &Fallback{Action: action, Instruction: fallbackInstructions[action]}
}
