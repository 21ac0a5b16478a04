package domain

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSensorReadingDecode(t *testing.T) {
	raw := `{"machineId": 42, "airTemperature": 300.0, "processTemperature": "310.0",
		"rotationalSpeed": 1500, "torque": 40, "extra": "ignored"}`

	var reading SensorReading
	require.NoError(t, json.Unmarshal([]byte(raw), &reading))

	require.NotNil(t, reading.MachineID)
	assert.Equal(t, int64(42), *reading.MachineID)
	assert.True(t, reading.AirTemperature.Valid())
	assert.Equal(t, 310.0, reading.ProcessTemperature.Value)
	assert.True(t, reading.ProcessTemperature.Valid())
	assert.False(t, reading.ToolWear.Present)
	assert.False(t, reading.ToolWear.Valid())
}

func TestMeasurementNonNumericString(t *testing.T) {
	var m Measurement
	require.NoError(t, json.Unmarshal([]byte(`"hot"`), &m))
	assert.True(t, m.Present)
	assert.False(t, m.Valid())

	out, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `"hot"`, string(out))
}

func TestMeasurementNaNString(t *testing.T) {
	var m Measurement
	require.NoError(t, json.Unmarshal([]byte(`"NaN"`), &m))
	assert.True(t, m.Present)
	assert.True(t, math.IsNaN(m.Value))
	assert.False(t, m.Valid())

	_, err := json.Marshal(m)
	assert.NoError(t, err)
}

func TestMeasurementOutOfRangeNumber(t *testing.T) {
	var reading SensorReading
	require.NoError(t, json.Unmarshal([]byte(`{"machineId": 42, "torque": 1e400}`), &reading))
	assert.True(t, reading.Torque.Present)
	assert.False(t, reading.Torque.Valid())
	assert.Equal(t, "1e400", reading.Torque.Raw)
}

func TestMeasurementRejectsNonNumbers(t *testing.T) {
	var m Measurement
	assert.Error(t, json.Unmarshal([]byte(`true`), &m))
	assert.Error(t, json.Unmarshal([]byte(`{"v":1}`), &m))
}

func TestMeasurementNull(t *testing.T) {
	var reading SensorReading
	require.NoError(t, json.Unmarshal([]byte(`{"torque": null}`), &reading))
	assert.False(t, reading.Torque.Present)
	assert.Nil(t, reading.MachineID)
}

func TestSeverityRank(t *testing.T) {
	assert.Less(t, SeverityWarning.Rank(), SeverityAlert.Rank())
	assert.Less(t, SeverityAlert.Rank(), SeverityCritical.Rank())
	assert.Equal(t, 0, Severity("LOW").Rank())

	sev, err := ParseSeverity("CRITICAL")
	require.NoError(t, err)
	assert.Equal(t, SeverityCritical, sev)

	_, err = ParseSeverity("critical")
	assert.Error(t, err)
}
