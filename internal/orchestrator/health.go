package orchestrator

import (
	"github.com/Pavua/krab/internal/gateway"
	"github.com/Pavua/krab/internal/watchdog"
)

// HealthView adapts *watchdog.Supervisor's DeepHealth to the
// gateway.HealthView interface GET /health serves.
type HealthView struct {
	supervisor *watchdog.Supervisor
}

// NewHealthView constructs a HealthView over sup.
func NewHealthView(sup *watchdog.Supervisor) *HealthView {
	return &HealthView{supervisor: sup}
}

// Snapshot implements gateway.HealthView.
func (h *HealthView) Snapshot() gateway.HealthSnapshot {
	deep := h.supervisor.DeepHealth()

	snap := gateway.HealthSnapshot{Sources: make([]gateway.HealthSourceSnapshot, 0, len(deep.Sources))}
	for _, src := range deep.Sources {
		if src.Status != watchdog.StatusUp {
			snap.Degraded = true
			if snap.Reason == "" {
				snap.Reason = src.Name + ": " + src.Reason
			}
		}
		snap.Sources = append(snap.Sources, gateway.HealthSourceSnapshot{
			Name:   src.Name,
			Up:     src.Status == watchdog.StatusUp,
			Reason: src.Reason,
		})
	}
	return snap
}
