package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// EventTypeAnomalyDetected tags every outbox row written by the pipeline.
const EventTypeAnomalyDetected = "anomaly_detected"

// Severity is an ordinal alert tier derived from the anomaly probability.
type Severity string

const (
	SeverityWarning  Severity = "WARNING"
	SeverityAlert    Severity = "ALERT"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders tiers: 0 for an unknown value, then WARNING < ALERT < CRITICAL.
func (s Severity) Rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityAlert:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// ParseSeverity accepts the canonical upper-case tier names.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(s)
	if sev.Rank() == 0 {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// Measurement is one raw sensor field. Producers send either JSON numbers or numeric strings.
type Measurement struct {
	Value   float64
	Present bool
	// Raw keeps a non-numeric string so validation can report it.
	Raw string
}

// Valid reports whether the field is present and holds a finite number.
func (m Measurement) Valid() bool {
	return m.Present && m.Raw == "" && !math.IsNaN(m.Value) && !math.IsInf(m.Value, 0)
}

// Float builds a present measurement.
func Float(v float64) Measurement {
	return Measurement{Value: v, Present: true}
}

func (m *Measurement) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*m = Measurement{}
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			*m = Measurement{Present: true, Raw: s}
			return nil
		}
		*m = Measurement{Value: v, Present: true}
		return nil
	}

	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		// a well-formed number outside the float64 range, e.g. 1e400
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && strings.HasPrefix(typeErr.Value, "number") {
			*m = Measurement{Present: true, Raw: string(data)}
			return nil
		}
		return fmt.Errorf("measurement: %w", err)
	}
	*m = Measurement{Value: v, Present: true}
	return nil
}

func (m Measurement) MarshalJSON() ([]byte, error) {
	switch {
	case !m.Present:
		return []byte("null"), nil
	case m.Raw != "":
		return json.Marshal(m.Raw)
	case math.IsNaN(m.Value) || math.IsInf(m.Value, 0):
		return json.Marshal(strconv.FormatFloat(m.Value, 'g', -1, 64))
	default:
		return json.Marshal(m.Value)
	}
}

// SensorReading is one inbound telemetry message. Unknown fields are ignored.
type SensorReading struct {
	MachineID          *int64      `json:"machineId"`
	AirTemperature     Measurement `json:"airTemperature"`
	ProcessTemperature Measurement `json:"processTemperature"`
	RotationalSpeed    Measurement `json:"rotationalSpeed"`
	Torque             Measurement `json:"torque"`
	ToolWear           Measurement `json:"toolWear"`
}

// PredictionResult is the outcome of scoring one reading.
type PredictionResult struct {
	IsAnomaly          bool               `json:"is_anomaly"`
	Prediction         int                `json:"prediction"`
	NormalProbability  float64            `json:"normal_probability"`
	AnomalyProbability float64            `json:"anomaly_probability"`
	MachineType        string             `json:"machine_type"`
	Severity           *Severity          `json:"severity"`
	Features           map[string]float64 `json:"features,omitempty"`
}

// PayloadPrediction is the prediction block embedded in an outbox payload.
type PayloadPrediction struct {
	IsAnomaly          bool     `json:"is_anomaly"`
	AnomalyProbability float64  `json:"anomaly_probability"`
	MachineType        string   `json:"machine_type"`
	Severity           Severity `json:"severity"`
}

// AnomalyPayload is the JSON document stored in the outbox payload column.
type AnomalyPayload struct {
	MachineID  int64             `json:"machine_id"`
	SensorData SensorReading     `json:"sensor_data"`
	Prediction PayloadPrediction `json:"prediction"`
	DetectedAt string            `json:"detected_at"`
}

// AnomalyEvent is a durable outbox row.
type AnomalyEvent struct {
	ID          int64          `json:"id"`
	AggregateID string         `json:"aggregate_id"`
	EventType   string         `json:"event_type"`
	Payload     AnomalyPayload `json:"payload"`
	CreatedAt   time.Time      `json:"created_at"`
	Processed   bool           `json:"processed"`
	ProcessedAt *time.Time     `json:"processed_at,omitempty"`
}

// AnomalyHistory is the queryable record written alongside each outbox row.
type AnomalyHistory struct {
	ID                 int64           `json:"id"`
	MachineID          int64           `json:"machine_id"`
	DetectedAt         time.Time       `json:"detected_at"`
	AnomalyProbability float64         `json:"anomaly_probability"`
	SensorData         json.RawMessage `json:"sensor_data"`
	Severity           Severity        `json:"severity"`
	CreatedAt          time.Time       `json:"created_at"`
}

// HistoryFilter narrows anomaly history queries. Zero values mean "any".
type HistoryFilter struct {
	Start     *time.Time
	End       *time.Time
	MachineID *int64
	Severity  Severity
	Limit     int
}
