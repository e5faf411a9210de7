package scan

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetscan-io/fleetscan/internal/validation"
)

func validCreateRequest() CreateScanRequest {
	return CreateScanRequest{
		VTs:     []VTSelection{{OID: "1.3.6.1.4.1.25623.1.0.100151"}},
		Agents:  []string{uuid.NewString()},
		Targets: []Target{{Hosts: []string{"10.0.0.0/24"}, Ports: "22,80,8000-8100"}},
	}
}

func fieldsOf(t *testing.T, err error) []string {
	t.Helper()
	var verr *validation.Error
	require.True(t, errors.As(err, &verr), "expected a validation error, got %v", err)
	fields := make([]string, len(verr.Issues))
	for i, iss := range verr.Issues {
		fields[i] = iss.Field
	}
	return fields
}

func TestValidateRequestAccepts(t *testing.T) {
	ids, err := validateRequest(validCreateRequest())
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestValidateRequestFieldPaths(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CreateScanRequest)
		field  string
	}{
		{"no vts", func(r *CreateScanRequest) { r.VTs = nil }, "vts"},
		{"bad oid", func(r *CreateScanRequest) { r.VTs[0].OID = "not-an-oid" }, "vts[0].oid"},
		{"single label oid", func(r *CreateScanRequest) { r.VTs[0].OID = "12345" }, "vts[0].oid"},
		{"no agents", func(r *CreateScanRequest) { r.Agents = nil }, "agents"},
		{"bad agent id", func(r *CreateScanRequest) { r.Agents[0] = "nope" }, "agents[0]"},
		{"duplicate agent", func(r *CreateScanRequest) { r.Agents = append(r.Agents, r.Agents[0]) }, "agents[1]"},
		{"no targets", func(r *CreateScanRequest) { r.Targets = nil }, "targets"},
		{"empty hosts", func(r *CreateScanRequest) { r.Targets[0].Hosts = nil }, "targets[0].hosts"},
		{"blank host", func(r *CreateScanRequest) { r.Targets[0].Hosts = []string{"  "} }, "targets[0].hosts[0]"},
		{"garbage ports", func(r *CreateScanRequest) { r.Targets[0].Ports = "22,abc" }, "targets[0].ports"},
		{"port zero", func(r *CreateScanRequest) { r.Targets[0].Ports = "0-80" }, "targets[0].ports"},
		{"port too high", func(r *CreateScanRequest) { r.Targets[0].Ports = "70000" }, "targets[0].ports"},
		{"inverted range", func(r *CreateScanRequest) { r.Targets[0].Ports = "100-50" }, "targets[0].ports"},
		{"unknown preference", func(r *CreateScanRequest) {
			r.ScannerPreferences = map[string]string{"warp_speed": "1"}
		}, "scanner_preferences.warp_speed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validCreateRequest()
			tt.mutate(&req)
			_, err := validateRequest(req)
			assert.Contains(t, fieldsOf(t, err), tt.field)
		})
	}
}

func TestValidateRequestCollectsAllIssues(t *testing.T) {
	req := validCreateRequest()
	req.VTs[0].OID = "bad"
	req.Agents[0] = "also bad"
	req.Targets[0].Ports = "worse"

	_, err := validateRequest(req)
	assert.Len(t, fieldsOf(t, err), 3)
}

func TestValidOID(t *testing.T) {
	assert.True(t, ValidOID("1.3.6.1.4.1.25623.1.0.100151"))
	assert.True(t, ValidOID("1.2"))
	assert.False(t, ValidOID("1"))
	assert.False(t, ValidOID("1."))
	assert.False(t, ValidOID(".1.2"))
	assert.False(t, ValidOID("1.2.x"))
	assert.False(t, ValidOID(""))
}

func TestValidatePortSpec(t *testing.T) {
	assert.Empty(t, validatePortSpec("22"))
	assert.Empty(t, validatePortSpec("22,80,443"))
	assert.Empty(t, validatePortSpec("8000-8100"))
	assert.Empty(t, validatePortSpec("1-65535"))
	assert.NotEmpty(t, validatePortSpec("0"))
	assert.NotEmpty(t, validatePortSpec("65536"))
	assert.NotEmpty(t, validatePortSpec("80-22"))
	assert.NotEmpty(t, validatePortSpec("a-b"))
	assert.NotEmpty(t, validatePortSpec(""))
}

func TestPreferencesCatalogIsACopy(t *testing.T) {
	catalog := PreferencesCatalog()
	require.Contains(t, catalog, "max_hosts")
	catalog["max_hosts"] = "mutated"
	assert.NotEqual(t, "mutated", PreferencesCatalog()["max_hosts"])
}
