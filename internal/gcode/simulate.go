package gcode

import (
	"io"
	"math"
)

const (
	DefaultFeedRate     = 1500.0
	FilamentDiameterMM  = 1.75
	FilamentDensityGCM3 = 1.25
	StartupSeconds      = 360

	loadTimeKey   = "machine_load_filament_time"
	unloadTimeKey = "machine_unload_filament_time"
)

type SimulationResult struct {
	LengthMM         float64
	WeightGrams      float64
	EstimatedSeconds int
	ToolChanges      int
}

// Simulation walks a toolpath once and accumulates extruded length and an
// estimate of print time. Time is distance over feed rate only; acceleration,
// jerk and firmware planning are not modelled, so the estimate is a lower
// bound for short moves.
type Simulation struct {
	relative bool

	lastE float64
	haveE bool

	pos      [3]float64
	havePos  [3]bool
	prev     [3]float64
	havePrev [3]bool
	feed     float64

	length  float64
	seconds float64

	loadSeconds   int
	unloadSeconds int

	tool        int
	haveTool    bool
	toolChanges int
}

func NewSimulation() *Simulation {
	return &Simulation{feed: DefaultFeedRate}
}

func (s *Simulation) Step(line string) {
	cmd := tokenize(line)

	switch cmd.class {
	case classComment:
		if v, ok := configInt(cmd.comment, loadTimeKey); ok {
			s.loadSeconds = v
		}
		if v, ok := configInt(cmd.comment, unloadTimeKey); ok {
			s.unloadSeconds = v
		}
	case classModeRelative:
		s.relative = true
	case classModeAbsolute:
		s.relative = false
	case classToolSelect:
		if !s.haveTool || cmd.tool != s.tool {
			s.tool = cmd.tool
			s.haveTool = true
			s.toolChanges++
		}
	case classSetPosition:
		if cmd.hasE {
			s.lastE = cmd.e
			s.haveE = true
		}
	case classMove:
		s.move(cmd)
		if cmd.hasE {
			s.extrude(cmd.e)
		}
	}
}

func (s *Simulation) move(cmd command) {
	s.prev = s.pos
	s.havePrev = s.havePos

	for axis := range cmd.hasAxis {
		if cmd.hasAxis[axis] {
			s.pos[axis] = cmd.axes[axis]
			s.havePos[axis] = true
		}
	}
	if cmd.hasFeed {
		s.feed = cmd.feed
	}

	if !allSet(s.havePrev) || !allSet(s.havePos) || s.feed <= 0 {
		return
	}
	dx := s.pos[axisX] - s.prev[axisX]
	dy := s.pos[axisY] - s.prev[axisY]
	dz := s.pos[axisZ] - s.prev[axisZ]
	distance := math.Sqrt(dx*dx + dy*dy + dz*dz)
	s.seconds += distance / s.feed * 60
}

func (s *Simulation) extrude(e float64) {
	if s.relative {
		if s.feed > 0 {
			s.seconds += e / s.feed * 60
		}
		s.length += e
		return
	}

	if s.haveE {
		if delta := e - s.lastE; delta > 0 {
			if s.feed > 0 {
				s.seconds += delta / s.feed * 60
			}
			s.length += delta
		}
	}
	s.lastE = e
	s.haveE = true
}

// ExtrudedLength is the raw accumulated filament length in millimetres.
func (s *Simulation) ExtrudedLength() float64 { return s.length }

// MotionSeconds is the raw accumulated move and extrusion time, before tool
// change and startup allowances.
func (s *Simulation) MotionSeconds() float64 { return s.seconds }

func (s *Simulation) ToolChanges() int { return s.toolChanges }

func (s *Simulation) Result() SimulationResult {
	radius := FilamentDiameterMM / 2
	volumeCM3 := math.Pi * radius * radius * s.length / 1000
	weight := volumeCM3 * FilamentDensityGCM3

	total := s.seconds
	total += float64(s.toolChanges * (s.loadSeconds + s.unloadSeconds))
	total += StartupSeconds

	return SimulationResult{
		LengthMM:         Round2(s.length),
		WeightGrams:      Round2(weight),
		EstimatedSeconds: int(math.Ceil(total)),
		ToolChanges:      s.toolChanges,
	}
}

// Simulate runs a full pass over r.
func Simulate(r io.Reader) (SimulationResult, error) {
	sim := NewSimulation()
	scanner := newLineScanner(r)
	for scanner.Scan() {
		sim.Step(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return SimulationResult{}, err
	}
	return sim.Result(), nil
}

func allSet(v [3]bool) bool {
	return v[0] && v[1] && v[2]
}
