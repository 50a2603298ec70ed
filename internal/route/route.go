// Package route turns an ordered waypoint list into turn-by-turn
// instructions via an external routing engine. A Session owns at most one
// active computation; changing the waypoint set tears the previous one down
// before the next starts.
package route

import (
	"context"

	"fieldmap/api/internal/pin"
)

// Instruction is one normalized turn-by-turn step.
type Instruction struct {
	Text      string  `json:"text"`
	DistanceM float64 `json:"distanceM"`
	TimeS     float64 `json:"timeS"`
}

// Summary is the whole-route rollup.
type Summary struct {
	TotalDistanceM float64 `json:"totalDistanceM"`
	TotalTimeS     float64 `json:"totalTimeS"`
}

// Route is a computed route: the primary returned alternative, normalized.
type Route struct {
	Instructions []Instruction `json:"instructions"`
	Summary      Summary       `json:"summary"`
}

// Engine is the external routing collaborator.
type Engine interface {
	ComputeRoute(ctx context.Context, waypoints []pin.Coords) (Route, error)
}
