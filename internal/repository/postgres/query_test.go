package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/domain"
)

func TestBuildHistoryQueryNoFilter(t *testing.T) {
	query, args := buildHistoryQuery(domain.HistoryFilter{})

	assert.Equal(t, "SELECT id, machine_id, detected_at, anomaly_probability, sensor_data, severity, created_at "+
		"FROM anomaly_history ORDER BY detected_at DESC, id DESC LIMIT $1", query)
	assert.Equal(t, []any{100}, args)
}

func TestBuildHistoryQueryAllFilters(t *testing.T) {
	machineID := int64(42)
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	query, args := buildHistoryQuery(domain.HistoryFilter{
		MachineID: &machineID,
		Severity:  domain.SeverityCritical,
		Start:     &start,
		End:       &end,
		Limit:     50,
	})

	assert.Contains(t, query,
		"WHERE machine_id = $1 AND severity = $2 AND detected_at >= $3 AND detected_at <= $4")
	assert.Contains(t, query, "LIMIT $5")
	assert.Equal(t, []any{machineID, "CRITICAL", start, end, 50}, args)
}

func TestBuildHistoryQueryCapsLimit(t *testing.T) {
	_, args := buildHistoryQuery(domain.HistoryFilter{Limit: 1_000_000})
	assert.Equal(t, []any{maxHistoryLimit}, args)
}
