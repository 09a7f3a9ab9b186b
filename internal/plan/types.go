package plan

import "strings"

// RiskTier classifies how dangerous a step's failure is. A CRITICAL failure
// halts the remaining steps of its work item.
type RiskTier int

const (
	RiskLow RiskTier = iota + 1
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskTier) String() string {
	switch r {
	case RiskCritical:
		return "critical"
	case RiskHigh:
		return "high"
	case RiskMedium:
		return "medium"
	default:
		return "low"
	}
}

// ParseRisk maps a config string to a RiskTier, defaulting to low.
func ParseRisk(s string) RiskTier {
	switch strings.ToLower(s) {
	case "critical":
		return RiskCritical
	case "high":
		return RiskHigh
	case "medium":
		return RiskMedium
	default:
		return RiskLow
	}
}

// Signals are the static measurements a structural scan produces for a file.
type Signals struct {
	SizeBytes        int64   `json:"size_bytes"`
	LineCount        int     `json:"line_count"`
	NestingDepth     int     `json:"nesting_depth"`
	StructuralUnits  int     `json:"structural_units"`
	DuplicateDensity float64 `json:"duplicate_density"`
	UnsafeDensity    float64 `json:"unsafe_density"`
	UnsafeMatches    int     `json:"unsafe_matches"`
}

// WorkItem is one target file awaiting processing. Items are produced by the
// planner and consumed into an ExecutionPlan.
type WorkItem struct {
	TargetPath         string   `json:"target_path"`
	Signals            Signals  `json:"signals"`
	RecommendedWorkers []string `json:"recommended_workers"`
	Priority           int      `json:"priority"`
}

// Step is a single planned worker invocation.
type Step struct {
	WorkerType    string   `json:"worker_type"`
	Class         string   `json:"class"`
	EstimatedCost int64    `json:"estimated_cost"`
	Risk          RiskTier `json:"risk"`
}

// ExecutionPlan is the ordered step sequence for one work item.
type ExecutionPlan struct {
	Item               WorkItem `json:"item"`
	Steps              []Step   `json:"steps"`
	TotalEstimatedCost int64    `json:"total_estimated_cost"`
}

// classPriority breaks rule-table ties: safety and security work always comes
// before style work.
func classPriority(class string) int {
	switch class {
	case "security":
		return 3
	case "correctness":
		return 2
	default:
		return 1
	}
}
