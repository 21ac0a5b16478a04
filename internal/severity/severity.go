package severity

import (
	"fmt"

	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/domain"
)

// Thresholds are inclusive lower bounds of each tier.
type Thresholds struct {
	Warning  float64
	Alert    float64
	Critical float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{Warning: 0.3, Alert: 0.5, Critical: 0.7}
}

func (t Thresholds) Validate() error {
	if !(t.Warning > 0 && t.Warning < t.Alert && t.Alert < t.Critical && t.Critical <= 1) {
		return fmt.Errorf("thresholds must satisfy 0 < warning < alert < critical <= 1, got %v/%v/%v",
			t.Warning, t.Alert, t.Critical)
	}
	return nil
}

type Classifier struct {
	t Thresholds
}

func New(t Thresholds) (*Classifier, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &Classifier{t: t}, nil
}

func (c *Classifier) Thresholds() Thresholds { return c.t }

// Classify maps a probability to its tier. It returns nil below the warning threshold.
func (c *Classifier) Classify(p float64) *domain.Severity {
	var s domain.Severity
	switch {
	case p >= c.t.Critical:
		s = domain.SeverityCritical
	case p >= c.t.Alert:
		s = domain.SeverityAlert
	case p >= c.t.Warning:
		s = domain.SeverityWarning
	default:
		return nil
	}
	return &s
}
