package policy

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultMinConfidence applies to departments without their own threshold.
const DefaultMinConfidence = 0.70

// DepartmentPolicy holds the per-department knobs of the policy table.
type DepartmentPolicy struct {
	RequiresHumanReview bool    `yaml:"requires_human_review"`
	MinConfidence       float64 `yaml:"min_confidence"`
	SLAMultiplier       float64 `yaml:"sla_multiplier"`
}

// Table is the full policy configuration. The zero value is not usable, start from DefaultTable.
type Table struct {
	DefaultMinConfidence float64                        `yaml:"default_min_confidence"`
	InternalDomains      []string                       `yaml:"internal_domains"`
	HighSensitivityPII   []string                       `yaml:"high_sensitivity_pii"`
	Departments          map[string]DepartmentPolicy    `yaml:"departments"`
	EscalationPaths      map[string]map[string][]string `yaml:"escalation_paths"`
	FallbackEscalation   []string                       `yaml:"fallback_escalation"`
}

// DefaultTable returns the built-in policy table.
func DefaultTable() Table {
	return Table{
		DefaultMinConfidence: DefaultMinConfidence,
		InternalDomains: []string{
			"company.com",
			"internal.company.com",
			"corp.company.com",
		},
		HighSensitivityPII: []string{
			"us_ssn_detected",
			"credit_card_detected",
			"crypto_detected",
			"us_passport_detected",
		},
		Departments: map[string]DepartmentPolicy{
			"Legal":   {RequiresHumanReview: true, MinConfidence: 0.85, SLAMultiplier: 0.5},
			"Finance": {RequiresHumanReview: true, MinConfidence: 0.85, SLAMultiplier: 0.75},
			"HR":      {RequiresHumanReview: false, MinConfidence: 0.70, SLAMultiplier: 1.0},
			"IT":      {RequiresHumanReview: false, MinConfidence: 0.70, SLAMultiplier: 1.0},
		},
		EscalationPaths: map[string]map[string][]string{
			"IT": {
				"DBA":      {"dba-lead@company.com", "it-director@company.com", "cto@company.com"},
				"Security": {"security-lead@company.com", "ciso@company.com", "cto@company.com"},
				"DevOps":   {"devops-lead@company.com", "it-director@company.com"},
			},
			"HR": {
				"Onboarding": {"hr-lead@company.com", "hr-director@company.com"},
				"Payroll":    {"payroll-lead@company.com", "finance-director@company.com"},
			},
			"Finance": {
				"Accounting": {"accounting-lead@company.com", "cfo@company.com"},
			},
			"Legal": {
				"Contracts": {"legal-lead@company.com", "general-counsel@company.com"},
			},
		},
		FallbackEscalation: []string{"support@company.com", "escalations@company.com"},
	}
}

// LoadFile reads a YAML policy table from path. Sections missing from the
// file keep their DefaultTable values.
func LoadFile(path string) (Table, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(b)
}

// fileDepartment is DepartmentPolicy as written in a policy file. A nil
// MinConfidence means the entry omitted it.
type fileDepartment struct {
	RequiresHumanReview bool     `yaml:"requires_human_review"`
	MinConfidence       *float64 `yaml:"min_confidence"`
	SLAMultiplier       float64  `yaml:"sla_multiplier"`
}

type fileTable struct {
	DefaultMinConfidence float64                        `yaml:"default_min_confidence"`
	InternalDomains      []string                       `yaml:"internal_domains"`
	HighSensitivityPII   []string                       `yaml:"high_sensitivity_pii"`
	Departments          map[string]fileDepartment      `yaml:"departments"`
	EscalationPaths      map[string]map[string][]string `yaml:"escalation_paths"`
	FallbackEscalation   []string                       `yaml:"fallback_escalation"`
}

// Parse decodes a YAML policy table and validates it. Department entries
// without min_confidence inherit the table's default threshold.
func Parse(b []byte) (Table, error) {
	t := DefaultTable()
	var file fileTable
	if err := yaml.Unmarshal(b, &file); err != nil {
		return Table{}, fmt.Errorf("parse policy file: %w", err)
	}
	if file.DefaultMinConfidence != 0 {
		t.DefaultMinConfidence = file.DefaultMinConfidence
	}
	if len(file.InternalDomains) > 0 {
		t.InternalDomains = file.InternalDomains
	}
	if len(file.HighSensitivityPII) > 0 {
		t.HighSensitivityPII = file.HighSensitivityPII
	}
	if len(file.Departments) > 0 {
		t.Departments = make(map[string]DepartmentPolicy, len(file.Departments))
		for name, d := range file.Departments {
			minConf := t.DefaultMinConfidence
			if d.MinConfidence != nil {
				minConf = *d.MinConfidence
			}
			t.Departments[name] = DepartmentPolicy{
				RequiresHumanReview: d.RequiresHumanReview,
				MinConfidence:       minConf,
				SLAMultiplier:       d.SLAMultiplier,
			}
		}
	}
	if len(file.EscalationPaths) > 0 {
		t.EscalationPaths = file.EscalationPaths
	}
	if len(file.FallbackEscalation) > 0 {
		t.FallbackEscalation = file.FallbackEscalation
	}
	if err := t.Validate(); err != nil {
		return Table{}, err
	}
	return t, nil
}

// Validate checks ranges and required entries.
func (t *Table) Validate() error {
	var errs []error
	if t.DefaultMinConfidence < 0 || t.DefaultMinConfidence > 1 {
		errs = append(errs, fmt.Errorf("default_min_confidence %v out of range [0,1]", t.DefaultMinConfidence))
	}
	errs = append(errs, foldCollisions("department", t.Departments)...)
	for name, d := range t.Departments {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, errors.New("department with empty name"))
		}
		if d.MinConfidence < 0 || d.MinConfidence > 1 {
			errs = append(errs, fmt.Errorf("department %s: min_confidence %v out of range [0,1]", name, d.MinConfidence))
		}
		if d.SLAMultiplier <= 0 {
			errs = append(errs, fmt.Errorf("department %s: sla_multiplier must be > 0", name))
		}
	}
	errs = append(errs, foldCollisions("escalation department", t.EscalationPaths)...)
	for dept, teams := range t.EscalationPaths {
		errs = append(errs, foldCollisions(dept+" team", teams)...)
		for team, path := range teams {
			if len(path) == 0 {
				errs = append(errs, fmt.Errorf("escalation path %s/%s is empty", dept, team))
			}
		}
	}
	if len(t.FallbackEscalation) == 0 {
		errs = append(errs, errors.New("fallback_escalation is empty"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// foldCollisions reports keys of m that are equal ignoring case. Lookups
// fall back to a case-insensitive match, so such keys would be ambiguous.
func foldCollisions[V any](kind string, m map[string]V) []error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []error
	seen := make(map[string]string, len(keys))
	for _, k := range keys {
		folded := strings.ToLower(k)
		if prev, ok := seen[folded]; ok {
			errs = append(errs, fmt.Errorf("%s %q collides with %q ignoring case", kind, k, prev))
			continue
		}
		seen[folded] = k
	}
	return errs
}

// department finds the policy for name, ignoring case. Unknown departments
// get the default threshold and a neutral multiplier.
func (t *Table) department(name string) DepartmentPolicy {
	if d, ok := t.Departments[name]; ok {
		return d
	}
	for k, d := range t.Departments {
		if strings.EqualFold(k, name) {
			return d
		}
	}
	return DepartmentPolicy{MinConfidence: t.DefaultMinConfidence, SLAMultiplier: 1.0}
}

func (t *Table) escalationPath(department, team string) []string {
	teams := lookupFold(t.EscalationPaths, department)
	if path := lookupFold(teams, team); len(path) > 0 {
		return append([]string(nil), path...)
	}
	return append([]string(nil), t.FallbackEscalation...)
}

func lookupFold[V any](m map[string]V, key string) V {
	if v, ok := m[key]; ok {
		return v
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	var zero V
	return zero
}
