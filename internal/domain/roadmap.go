package domain

// Feature priorities accepted from the roadmap form.
const (
	PriorityMustHave   = "must-have"
	PriorityNiceToHave = "nice-to-have"
)

// RoadmapFeature is one feature the user wants on the roadmap.
type RoadmapFeature struct {
	Name     string `json:"name" validate:"required,max=200"`
	Priority string `json:"priority" validate:"omitempty,oneof=must-have nice-to-have"`
}

// RoadmapRequest is the completed roadmap form.
type RoadmapRequest struct {
	ProductName    string           `json:"productName" validate:"max=200"`
	Problem        string           `json:"problem" validate:"max=4000"`
	TargetAudience string           `json:"targetAudience" validate:"max=2000"`
	CoreValue      string           `json:"coreValue" validate:"max=2000"`
	LLMChoice      string           `json:"llmChoice" validate:"max=100"`
	Features       []RoadmapFeature `json:"features" validate:"max=50,dive"`
}

// RoadmapToolName tags generation debits in the audit log.
const RoadmapToolName = "roadmap_generator"
