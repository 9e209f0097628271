package scheduler

import "context"

// Lane is a scheduler sub-queue. Each lane is FIFO.
type Lane int

const (
	// LaneUser carries user-initiated traffic.
	LaneUser Lane = iota
	// LaneInfra carries infrastructure traffic such as cache reads and writes.
	LaneInfra

	laneCount
)

func (l Lane) String() string {
	switch l {
	case LaneUser:
		return "user"
	case LaneInfra:
		return "infra"
	default:
		return "unknown"
	}
}

type laneKey struct{}

// WithLane routes operations submitted with the returned context to lane.
func WithLane(ctx context.Context, lane Lane) context.Context {
	return context.WithValue(ctx, laneKey{}, lane)
}

// LaneFrom returns the lane carried by ctx, LaneUser by default.
func LaneFrom(ctx context.Context) Lane {
	if lane, ok := ctx.Value(laneKey{}).(Lane); ok && lane >= 0 && lane < laneCount {
		return lane
	}
	return LaneUser
}
