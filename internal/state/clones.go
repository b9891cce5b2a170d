package state

import (
	"sort"

	"github.com/openvio/vio-estimator/internal/types"
)

// CloneVariable is a 6-DOF pose clone of the IMU state retained at a past
// image timestamp.
type CloneVariable struct {
	Variable
	Pose types.Pose
}

// CloneWindow is the ordered, strictly-increasing-timestamp map from clone
// time to pose clone described in spec.md §3.
type CloneWindow struct {
	order []float64
	byTS  map[float64]*CloneVariable
}

func NewCloneWindow() *CloneWindow {
	return &CloneWindow{byTS: make(map[float64]*CloneVariable)}
}

// Insert adds a new clone at the head (most recent). The caller is
// responsible for the invariant that ts is strictly greater than every
// existing clone timestamp.
func (c *CloneWindow) Insert(ts float64, index int, pose types.Pose) {
	c.byTS[ts] = &CloneVariable{Variable: Variable{Index: index, Size: 6}, Pose: pose}
	c.order = append(c.order, ts)
	sort.Float64s(c.order)
}

// Remove evicts the clone at ts.
func (c *CloneWindow) Remove(ts float64) {
	delete(c.byTS, ts)
	for i, t := range c.order {
		if t == ts {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *CloneWindow) Get(ts float64) (*CloneVariable, bool) {
	v, ok := c.byTS[ts]
	return v, ok
}

// Oldest returns the marginalization timestep: the oldest retained clone.
func (c *CloneWindow) Oldest() (float64, bool) {
	if len(c.order) == 0 {
		return 0, false
	}
	return c.order[0], true
}

// Newest returns the most recently inserted clone timestamp.
func (c *CloneWindow) Newest() (float64, bool) {
	if len(c.order) == 0 {
		return 0, false
	}
	return c.order[len(c.order)-1], true
}

func (c *CloneWindow) Len() int { return len(c.order) }

// Timestamps returns clone timestamps in ascending order.
func (c *CloneWindow) Timestamps() []float64 {
	out := make([]float64, len(c.order))
	copy(out, c.order)
	return out
}

// Contains reports whether ts is currently a clone.
func (c *CloneWindow) Contains(ts float64) bool {
	_, ok := c.byTS[ts]
	return ok
}
