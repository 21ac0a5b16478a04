// Package features turns a raw sensor reading into the scaled vector the classifier was trained on.
package features

import (
	"fmt"
	"maps"
	"math"
	"slices"

	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/apperrors"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/artifacts"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/domain"
)

// Canonical feature names produced by the transform.
const (
	TypeEncoded        = "Type_encoded"
	AirTemperature     = "Air_temperature_K"
	ProcessTemperature = "Process_temperature_K"
	RotationalSpeed    = "Rotational_speed_rpm"
	Torque             = "Torque_Nm"
	ToolWear           = "Tool_wear_min"
	TempDiff           = "Temp_diff"
	Power              = "Power"
	ToolWearRate       = "Tool_wear_rate"
	TorqueSpeedRatio   = "Torque_speed_ratio"
	TempToolwear       = "Temp_toolwear"
)

// Vector is the classifier input in training column order.
type Vector struct {
	Names  []string
	Values []float64
	// Raw holds the unscaled feature values by name.
	Raw map[string]float64
}

// Transform validates reading, engineers the derived features, orders them by the bundle's
// feature-name list and applies the frozen scaler. It has no side effects.
func Transform(b *artifacts.Bundle, reading domain.SensorReading, machineType string) (*Vector, error) {
	if b == nil {
		return nil, apperrors.Fatal("preprocessor", apperrors.ErrModelNotLoaded)
	}

	if err := validate(reading); err != nil {
		return nil, err
	}

	encoded, ok := b.Encoder.Encode(machineType)
	if !ok {
		return nil, apperrors.Validation(
			fmt.Sprintf("unknown machine type %q, valid types %v", machineType, b.Encoder.Classes),
			"machineType")
	}

	ta := reading.AirTemperature.Value
	tp := reading.ProcessTemperature.Value
	rpm := reading.RotationalSpeed.Value
	torque := reading.Torque.Value
	wear := reading.ToolWear.Value

	raw := map[string]float64{
		TypeEncoded:        float64(encoded),
		AirTemperature:     ta,
		ProcessTemperature: tp,
		RotationalSpeed:    rpm,
		Torque:             torque,
		ToolWear:           wear,
		TempDiff:           tp - ta,
		Power:              torque * rpm / 1000.0,
		ToolWearRate:       wear / (rpm + 1.0),
		TorqueSpeedRatio:   torque / (rpm + 1.0),
		TempToolwear:       tp * wear,
	}

	if len(raw) != len(b.FeatureNames) {
		return nil, &apperrors.SchemaError{
			Expected: b.FeatureNames,
			Actual:   sortedKeys(raw),
			Reason:   "feature count differs",
		}
	}

	values := make([]float64, len(b.FeatureNames))
	for i, name := range b.FeatureNames {
		v, ok := raw[name]
		if !ok {
			return nil, &apperrors.SchemaError{
				Expected: b.FeatureNames,
				Actual:   sortedKeys(raw),
				Reason:   fmt.Sprintf("feature %q is not produced by the transform", name),
			}
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, apperrors.Validation("non-finite engineered feature", name)
		}

		scaled := (v - b.Scaler.Mean[i]) / b.Scaler.Scale[i]
		if math.IsNaN(scaled) || math.IsInf(scaled, 0) {
			return nil, apperrors.Validation("non-finite value after scaling", name)
		}
		values[i] = scaled
	}

	return &Vector{Names: b.FeatureNames, Values: values, Raw: raw}, nil
}

func validate(r domain.SensorReading) error {
	fields := []struct {
		name string
		m    domain.Measurement
	}{
		{"airTemperature", r.AirTemperature},
		{"processTemperature", r.ProcessTemperature},
		{"rotationalSpeed", r.RotationalSpeed},
		{"torque", r.Torque},
		{"toolWear", r.ToolWear},
	}

	var missing, invalid []string
	for _, f := range fields {
		switch {
		case !f.m.Present:
			missing = append(missing, f.name)
		case !f.m.Valid():
			invalid = append(invalid, f.name)
		}
	}

	if len(missing) > 0 {
		return apperrors.Validation("missing required fields", append(missing, invalid...)...)
	}
	if len(invalid) > 0 {
		return apperrors.Validation("fields are not finite numbers", invalid...)
	}
	return nil
}

func sortedKeys(m map[string]float64) []string {
	return slices.Sorted(maps.Keys(m))
}
