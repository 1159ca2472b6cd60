package validation

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

// Report holds blocking errors and non-blocking warnings in row order.
type Report struct {
	Errors   []registrar.Issue `json:"errors"`
	Warnings []registrar.Issue `json:"warnings"`
}

// Blocking reports whether any error prevents the job from running.
func (r Report) Blocking() bool {
	return len(r.Errors) > 0
}

// Validate checks rows against schema. Row numbers start at 2 because the
// header occupies row 1.
func Validate(rows []registrar.Row, schema Schema) Report {
	report := Report{Errors: []registrar.Issue{}, Warnings: []registrar.Issue{}}
	if len(rows) == 0 {
		report.Errors = append(report.Errors, registrar.Issue{Row: 0, Field: "", Message: "data is empty"})
		return report
	}
	for idx, row := range rows {
		validateRow(idx+2, row, schema, &report)
	}
	return report
}

func validateRow(n int, row registrar.Row, schema Schema, report *Report) {
	fail := func(field, format string, args ...any) {
		report.Errors = append(report.Errors, registrar.Issue{Row: n, Field: field, Message: fmt.Sprintf(format, args...)})
	}
	warn := func(field, format string, args ...any) {
		report.Warnings = append(report.Warnings, registrar.Issue{Row: n, Field: field, Message: fmt.Sprintf(format, args...)})
	}

	missing := make(map[string]bool, len(schema.Required))
	for _, field := range schema.Required {
		if strings.TrimSpace(row[field]) == "" {
			missing[field] = true
			fail(field, "%s is required", field)
		}
	}

	for _, field := range sortedKeys(schema.Defaults) {
		if strings.TrimSpace(row[field]) == "" {
			warn(field, "%s is empty, defaulting to %s", field, schema.Defaults[field])
		}
	}

	for _, field := range schema.Integers {
		raw := strings.TrimSpace(row[field])
		if raw == "" || missing[field] {
			continue
		}
		v, err := ParseInt(raw)
		if err != nil {
			fail(field, "%s must be an integer", field)
			continue
		}
		rng, ok := schema.Ranges[field]
		if !ok {
			continue
		}
		if rng.Min != nil && v < *rng.Min {
			fail(field, "%s must be >= %d", field, *rng.Min)
		}
		if rng.Max != nil && v > *rng.Max {
			fail(field, "%s must be <= %d", field, *rng.Max)
		}
	}

	for _, field := range sortedKeys(schema.Enums) {
		raw := strings.TrimSpace(row[field])
		if raw == "" {
			continue
		}
		if !containsFold(schema.Enums[field], raw) {
			fail(field, "%s %q is not one of %s", field, raw, strings.Join(schema.Enums[field], ", "))
		}
	}

	for _, field := range sortedKeys(schema.MaxLen) {
		if count := utf8.RuneCountInString(row[field]); count > schema.MaxLen[field] {
			fail(field, "%s must be at most %d characters (got %d)", field, schema.MaxLen[field], count)
		}
	}

	for _, field := range sortedKeys(schema.MaxListItems) {
		if count := len(SplitList(row[field])); count > schema.MaxListItems[field] {
			fail(field, "%s allows at most %d entries (got %d)", field, schema.MaxListItems[field], count)
		}
	}

	for _, field := range schema.URLLists {
		for _, ref := range SplitList(row[field]) {
			if !IsURL(ref) {
				warn(field, "%s is not an http(s) URL and will be uploaded from storage", ref)
			}
		}
	}

	for _, rule := range schema.Rules {
		errs, warnings := rule(n, row)
		report.Errors = append(report.Errors, errs...)
		report.Warnings = append(report.Warnings, warnings...)
	}
}

func containsFold(values []string, v string) bool {
	for _, candidate := range values {
		if strings.EqualFold(candidate, v) {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
