package evaluate

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/openvio/vio-estimator/internal/types"
)

// TrajectoryPoint is one matched sample of a parsed state.txt log.
type TrajectoryPoint struct {
	Timestamp float64
	P         types.Vec3
}

// ReadTrajectory parses the whitespace-separated state.txt rows written by
// report.StateWriter: timestamp px py pz qx qy qz qw vx vy vz bgx bgy bgz
// bax bay baz. Only the timestamp and position columns are used for
// alignment and ATE scoring.
func ReadTrajectory(r io.Reader) ([]TrajectoryPoint, error) {
	var out []TrajectoryPoint
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			return nil, fmt.Errorf("evaluate: malformed trajectory row %q", line)
		}
		vals := make([]float64, 4)
		for i := 0; i < 4; i++ {
			v, err := strconv.ParseFloat(fields[i], 64)
			if err != nil {
				return nil, fmt.Errorf("evaluate: parsing trajectory row %q: %w", line, err)
			}
			vals[i] = v
		}
		out = append(out, TrajectoryPoint{
			Timestamp: vals[0],
			P:         types.Vec3{vals[1], vals[2], vals[3]},
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("evaluate: reading trajectory: %w", err)
	}
	return out, nil
}

// MatchNearest pairs each estimated sample with the reference sample
// closest in time, within maxDt seconds, matching the nearest-neighbour
// timestamp association evo's trajectory tools use when two logs aren't
// sampled at identical rates.
func MatchNearest(est, ref []TrajectoryPoint, maxDt float64) (estP, refP []types.Vec3) {
	j := 0
	for _, e := range est {
		for j+1 < len(ref) && absFloat(ref[j+1].Timestamp-e.Timestamp) <= absFloat(ref[j].Timestamp-e.Timestamp) {
			j++
		}
		if j < len(ref) && absFloat(ref[j].Timestamp-e.Timestamp) <= maxDt {
			estP = append(estP, e.P)
			refP = append(refP, ref[j].P)
		}
	}
	return estP, refP
}

func absFloat(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
