package plan

import (
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/mattjoyce/reforge/internal/config"
	"github.com/mattjoyce/reforge/internal/log"
)

// Planner turns a target file into an ordered ExecutionPlan using the
// configured rule table. Same file, same rules, same plan: everything in here
// is deterministic.
type Planner struct {
	rules  []config.WorkerRule
	coeff  config.CostCoefficients
	logger *slog.Logger
}

func New(cfg config.RulesConfig) *Planner {
	return &Planner{
		rules:  cfg.Workers,
		coeff:  cfg.CostCoefficients,
		logger: log.WithComponent("planner"),
	}
}

// Plan scans targetPath and produces the ordered step list: highest risk
// first, cheapest within a tier first.
func (p *Planner) Plan(targetPath string) (*ExecutionPlan, error) {
	sig, err := Scan(targetPath)
	if err != nil {
		return nil, fmt.Errorf("plan %q: %w", targetPath, err)
	}

	matched := make([]config.WorkerRule, 0, len(p.rules))
	for _, rule := range p.rules {
		value, ok := signalValue(sig, rule.Signal)
		if !ok {
			p.logger.Warn("rule references unknown signal, skipping",
				"worker", rule.Type, "signal", rule.Signal)
			continue
		}
		if rule.Signal == "always" || value >= rule.Min {
			matched = append(matched, rule)
		}
	}

	// Deterministic recommendation order: class priority, then name.
	sort.SliceStable(matched, func(i, j int) bool {
		pi, pj := classPriority(matched[i].Class), classPriority(matched[j].Class)
		if pi != pj {
			return pi > pj
		}
		return matched[i].Type < matched[j].Type
	})

	item := WorkItem{
		TargetPath: targetPath,
		Signals:    sig,
	}

	steps := make([]Step, 0, len(matched))
	var total int64
	for _, rule := range matched {
		item.RecommendedWorkers = append(item.RecommendedWorkers, rule.Type)
		risk := ParseRisk(rule.Risk)
		if int(risk) > item.Priority {
			item.Priority = int(risk)
		}
		cost := p.estimateCost(rule.BaseCost, sig)
		steps = append(steps, Step{
			WorkerType:    rule.Type,
			Class:         rule.Class,
			EstimatedCost: cost,
			Risk:          risk,
		})
		total += cost
	}

	// Cheapest, highest-risk work first.
	sort.SliceStable(steps, func(i, j int) bool {
		if steps[i].Risk != steps[j].Risk {
			return steps[i].Risk > steps[j].Risk
		}
		if steps[i].EstimatedCost != steps[j].EstimatedCost {
			return steps[i].EstimatedCost < steps[j].EstimatedCost
		}
		return steps[i].WorkerType < steps[j].WorkerType
	})

	p.logger.Debug("plan built",
		"target", targetPath,
		"steps", len(steps),
		"total_cost", total,
		"nesting_depth", sig.NestingDepth,
		"unsafe_matches", sig.UnsafeMatches,
	)

	return &ExecutionPlan{Item: item, Steps: steps, TotalEstimatedCost: total}, nil
}

// estimateCost is base cost plus a size-dependent term, monotonic in file
// size so bigger files are never estimated cheaper.
func (p *Planner) estimateCost(base int64, sig Signals) int64 {
	sizeTerm := p.coeff.PerKilobyte * float64(sig.SizeBytes) / 1024.0
	unitTerm := p.coeff.PerStructuralUnit * float64(sig.StructuralUnits)
	return base + int64(math.Ceil(sizeTerm+unitTerm))
}
