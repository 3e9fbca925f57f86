// Package placer implements the Placer of spec.md §4.3: a pure function
// over a snapshot of candidate nodes that ranks them for a task, never
// mutating state.
package placer

import (
	"sort"

	"github.com/google/uuid"

	"github.com/distrihub/hub/internal/config"
	"github.com/distrihub/hub/pkg/model"
)

// Placer selects and ranks candidate nodes for a task.
type Placer struct {
	cfg config.SchedulerConfig
}

func New(cfg config.SchedulerConfig) *Placer {
	return &Placer{cfg: cfg}
}

// Candidates returns active nodes that meet the task's trust requirement
// and have not already been assigned the task (spec.md §4.3's candidate
// set is exactly this — no resource hard-filter; resource fit is handled
// entirely by ranking below, matching the original system where the
// unused Node.is_available_for_task gate never actually ran in the
// scheduling path), ranked by the configured mechanism.
func (p *Placer) Candidates(task *model.Task, nodes []*model.Node, alreadyAssigned map[uuid.UUID]bool) []*model.Node {
	var eligible []*model.Node
	for _, n := range nodes {
		if n.Status != model.NodeActive {
			continue
		}
		if n.TrustIndex < task.TrustIndexRequired {
			continue
		}
		if alreadyAssigned[n.ID] {
			continue
		}
		cp := *n
		eligible = append(eligible, &cp)
	}

	if p.cfg.Mechanism == config.MechanismFIFO {
		sort.SliceStable(eligible, func(i, j int) bool {
			return eligible[i].LastHeartbeat.Before(eligible[j].LastHeartbeat)
		})
		return eligible
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		si := suitability(eligible[i], task)
		sj := suitability(eligible[j], task)
		if si != sj {
			return si < sj // lower suitability is better
		}
		if eligible[i].TrustIndex != eligible[j].TrustIndex {
			return eligible[i].TrustIndex > eligible[j].TrustIndex // higher trust first
		}
		return eligible[i].ID.String() < eligible[j].ID.String()
	})
	return eligible
}

// suitability implements spec.md §4.3's resource-fit score; lower is better.
func suitability(n *model.Node, t *model.Task) float64 {
	reqCPU := t.ResourceRequirements.CPU
	if reqCPU == 0 {
		reqCPU = 1
	}
	reqRAM := t.ResourceRequirements.RAM
	if reqRAM == 0 {
		reqRAM = 1
	}

	cpuDelta := n.Free.CPU - reqCPU
	if cpuDelta < 0 {
		cpuDelta = -cpuDelta
	}
	ramDelta := n.Free.RAM - reqRAM
	if ramDelta < 0 {
		ramDelta = -ramDelta
	}

	cpuMax := reqCPU
	if cpuMax < 1 {
		cpuMax = 1
	}
	ramMax := reqRAM
	if ramMax < 1 {
		ramMax = 1
	}

	return cpuDelta/cpuMax + ramDelta/ramMax
}
