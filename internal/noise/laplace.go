package noise

import (
	"fmt"

	dpnoise "github.com/google/differential-privacy/go/v2/noise"
)

// MechanismLaplace adds Laplace noise calibrated to pure epsilon-DP.
const MechanismLaplace = "laplace"

type laplace struct {
	epsilon float64
	noiser  dpnoise.Noise
}

// NewLaplace returns a Laplace mechanism with the given privacy budget.
func NewLaplace(epsilon float64) (Mechanism, error) {
	if epsilon <= 0 {
		return nil, fmt.Errorf("laplace mechanism requires epsilon > 0, got %f", epsilon)
	}
	return &laplace{
		epsilon: epsilon,
		noiser:  dpnoise.Laplace(),
	}, nil
}

func (l *laplace) Name() string { return MechanismLaplace }

func (l *laplace) Apply(value int64) (int64, error) {
	return l.noiser.AddNoiseInt64(value, 1, 1, l.epsilon, 0)
}

func init() {
	Register(MechanismLaplace, NewLaplace)
}
