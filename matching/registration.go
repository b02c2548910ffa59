package matching

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// Alignment is the outcome of one Registration.Align call
type Alignment struct {
	Cloud      PointCloud // source transformed by Pose
	Pose       Pose       // refined pose
	Fitness    float64    // mean squared correspondence distance; +Inf with no correspondences
	Converged  bool
	Iterations int
}

// Registration aligns a source cloud to a fixed target
type Registration interface {
	SetTarget(target PointCloud)
	Align(source PointCloud, seed Pose) Alignment
}

// RegistrationKind selects a Registration implementation
type RegistrationKind int

const (
	// RegistrationICP is point-to-point iterative closest point
	RegistrationICP RegistrationKind = iota
	// RegistrationPassthrough returns the seed unchanged
	RegistrationPassthrough
)

func (k RegistrationKind) String() string {
	switch k {
	case RegistrationICP:
		return "ICP"
	case RegistrationPassthrough:
		return "NONE"
	default:
		return "unknown"
	}
}

// ParseRegistrationKind maps a configuration name (case-insensitive) to a RegistrationKind
func ParseRegistrationKind(name string) (RegistrationKind, error) {
	switch strings.ToUpper(name) {
	case "ICP":
		return RegistrationICP, nil
	case "NONE":
		return RegistrationPassthrough, nil
	default:
		return 0, errors.Errorf("registration method %q not found", name)
	}
}

// NewRegistration builds the registration for kind
func NewRegistration(kind RegistrationKind, cfg ICPConfig) (Registration, error) {
	switch kind {
	case RegistrationICP:
		return NewICP(cfg)
	case RegistrationPassthrough:
		return &Passthrough{}, nil
	default:
		return nil, errors.Errorf("unsupported registration kind %d", kind)
	}
}

// Passthrough accepts the seed as the refined pose. It is used for dead-reckoning
// replays and tests of the surrounding loop.
type Passthrough struct {
	target PointCloud
}

// SetTarget implements Registration
func (r *Passthrough) SetTarget(target PointCloud) {
	r.target = target
}

// Target returns the bound target
func (r *Passthrough) Target() PointCloud {
	return r.target
}

// Align implements Registration
func (r *Passthrough) Align(source PointCloud, seed Pose) Alignment {
	fitness := 0.0
	if len(source) == 0 {
		fitness = math.Inf(1)
	}
	return Alignment{
		Cloud:     source.Transform(seed),
		Pose:      seed,
		Fitness:   fitness,
		Converged: true,
	}
}
