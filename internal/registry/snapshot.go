package registry

import (
	"sort"
	"time"

	"github.com/fleetmap-io/relay/internal/protocol"
)

// Snapshot composes a point-in-time view of every driver that has either a
// position or a route, newest first by lastUpdatedAt. When the table exceeds
// max the list is truncated and the truncation is signalled in the payload —
// clients need to know the view is partial.
func (r *Registry) Snapshot(max int, now time.Time) protocol.Snapshot {
	eligible := make([]*Driver, 0, len(r.drivers))
	for _, d := range r.drivers {
		if d.HasPosition || d.Geometry != "" {
			eligible = append(eligible, d)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].LastUpdatedAt.After(eligible[j].LastUpdatedAt)
	})

	total := len(eligible)
	limited := false
	if total > max {
		eligible = eligible[:max]
		limited = true
	}

	out := protocol.Snapshot{
		Drivers: make([]protocol.DriverState, 0, len(eligible)),
		Count:   len(eligible),
		Total:   total,
		Limited: limited,
	}
	for _, d := range eligible {
		out.Drivers = append(out.Drivers, d.State(now))
	}
	return out
}
