package scan

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/fleetscan-io/fleetscan/internal/validation"
)

// oidPattern matches dotted-decimal VT object identifiers, e.g.
// "1.3.6.1.4.1.25623.1.0.100151".
var oidPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)+$`)

// ValidOID reports whether s is a dotted-decimal VT object identifier. Also
// used by the result ingestor to validate submitted findings.
func ValidOID(s string) bool {
	return oidPattern.MatchString(s)
}

// scannerPreferences is the enumerated catalog of recognized scanner
// preference keys. Anything outside this set is rejected, never silently
// accepted.
var scannerPreferences = map[string]string{
	"max_checks":               "maximum number of concurrently executed checks per host",
	"max_hosts":                "maximum number of concurrently scanned hosts",
	"table_driven_lsc":         "run local security checks table-driven (0/1)",
	"auto_enable_dependencies": "automatically enable VT dependencies (0/1)",
	"optimize_test":            "skip tests that cannot apply to the target (0/1)",
}

// PreferencesCatalog returns the recognized scanner preference keys with
// their descriptions, for GET /scans/preferences.
func PreferencesCatalog() map[string]string {
	catalog := make(map[string]string, len(scannerPreferences))
	for k, v := range scannerPreferences {
		catalog[k] = v
	}
	return catalog
}

// VTSelection names one vulnerability test by OID.
type VTSelection struct {
	OID string `json:"oid"`
}

// Target describes one group of hosts to assess, with an optional port
// specification ("22,80,8000-8100"). Hosts are passed through to agents
// verbatim; the controller never interprets or resolves them.
type Target struct {
	Hosts []string `json:"hosts"`
	Ports string   `json:"ports,omitempty"`
}

// CreateScanRequest is the scanner surface's scan creation payload.
type CreateScanRequest struct {
	VTs                []VTSelection     `json:"vts"`
	Agents             []string          `json:"agents"`
	Targets            []Target          `json:"targets"`
	ScannerPreferences map[string]string `json:"scanner_preferences,omitempty"`
	Priority           int               `json:"priority,omitempty"`
}

// validateRequest checks everything that does not need database access and
// returns the parsed agent UUIDs. Field paths in the issues mirror the JSON
// structure so callers can point at the exact offending element.
func validateRequest(req CreateScanRequest) ([]uuid.UUID, error) {
	verr := &validation.Error{}

	if len(req.VTs) == 0 {
		verr.Add("vts", "at least one VT must be selected")
	}
	for i, vt := range req.VTs {
		if !oidPattern.MatchString(vt.OID) {
			verr.Addf("vts["+strconv.Itoa(i)+"].oid", "not a dotted-decimal OID: %q", vt.OID)
		}
	}

	if len(req.Agents) == 0 {
		verr.Add("agents", "at least one agent must be targeted")
	}
	agentIDs := make([]uuid.UUID, 0, len(req.Agents))
	seen := make(map[uuid.UUID]bool, len(req.Agents))
	for i, raw := range req.Agents {
		id, err := uuid.Parse(raw)
		if err != nil {
			verr.Addf("agents["+strconv.Itoa(i)+"]", "not a UUID: %q", raw)
			continue
		}
		if seen[id] {
			verr.Addf("agents["+strconv.Itoa(i)+"]", "duplicate agent %s", id)
			continue
		}
		seen[id] = true
		agentIDs = append(agentIDs, id)
	}

	if len(req.Targets) == 0 {
		verr.Add("targets", "at least one target must be given")
	}
	for i, t := range req.Targets {
		prefix := "targets[" + strconv.Itoa(i) + "]"
		if len(t.Hosts) == 0 {
			verr.Add(prefix+".hosts", "must not be empty")
		}
		for j, h := range t.Hosts {
			if strings.TrimSpace(h) == "" {
				verr.Addf(prefix+".hosts["+strconv.Itoa(j)+"]", "must not be blank")
			}
		}
		if t.Ports != "" {
			if issue := validatePortSpec(t.Ports); issue != "" {
				verr.Add(prefix+".ports", issue)
			}
		}
	}

	for key := range req.ScannerPreferences {
		if _, ok := scannerPreferences[key]; !ok {
			verr.Addf("scanner_preferences."+key, "unknown preference")
		}
	}

	if err := verr.Err(); err != nil {
		return nil, err
	}
	return agentIDs, nil
}

// validatePortSpec checks a comma-separated port list ("22,80,8000-8100").
// Returns an empty string when valid.
func validatePortSpec(spec string) string {
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		lo, hi, ok := parsePortRange(part)
		if !ok {
			return "invalid port entry " + strconv.Quote(part)
		}
		if lo < 1 || hi > 65535 || lo > hi {
			return "port range out of bounds: " + strconv.Quote(part)
		}
	}
	return ""
}

func parsePortRange(part string) (lo, hi int, ok bool) {
	if a, b, found := strings.Cut(part, "-"); found {
		lo, err1 := strconv.Atoi(a)
		hi, err2 := strconv.Atoi(b)
		if err1 != nil || err2 != nil {
			return 0, 0, false
		}
		return lo, hi, true
	}
	n, err := strconv.Atoi(part)
	if err != nil {
		return 0, 0, false
	}
	return n, n, true
}
