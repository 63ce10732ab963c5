// Package validate prepares entity records for the target system.
// Rules are ordered per entity type; given the same input and settings the
// output payload and repairs list are identical, with repairs sorted by
// field name.
package validate

import (
	"fmt"
	"net/mail"
	"sort"
	"strings"

	"github.com/fieldops/safesync/internal/entity"
)

// Repair records one automatic fix applied to a record.
type Repair struct {
	Field string `json:"field"`
	Kind  string `json:"kind"` // defaulted, synthesized, dropped, normalized
}

// FieldError is a terminal validation failure on one field.
type FieldError struct {
	Field string `json:"field"`
	Error string `json:"error"`
	Value string `json:"value,omitempty"`
}

// Result is the outcome of validating one record. Payload is the
// normalized field map actually sent to the target.
type Result struct {
	Valid        bool
	Payload      map[string]string
	Repairs      []Repair
	Errors       []FieldError
	DuplicateKey string // hint for duplicate detection, empty when none
}

// rule is one ordered step. Normalize always runs; Repair may rewrite a
// missing or invalid value; Required failures after repair are terminal.
type rule struct {
	field        string
	required     bool
	normalize    func(string) string
	repair       func(field string, fields map[string]string, v *Validator) (string, string, bool)
	duplicateKey bool
}

// Validator applies per-entity-type rules. Immutable after construction.
type Validator struct {
	// EmailDomain is the domain used when synthesizing missing emails.
	EmailDomain string

	rules map[entity.Type][]rule
}

// New builds a validator with the standard rule tables.
func New(emailDomain string) *Validator {
	v := &Validator{EmailDomain: emailDomain}
	v.rules = map[entity.Type][]rule{
		entity.TypeEmployee: {
			{field: "first_name", required: true, normalize: normalizeName, repair: repairName},
			{field: "last_name", required: true, normalize: normalizeName, repair: repairName},
			{field: "email", required: false, normalize: normalizeEmail, repair: repairEmail, duplicateKey: true},
			{field: "phone", normalize: normalizePhone, repair: dropInvalidPhone},
			{field: "title", normalize: normalizeText},
			{field: "department", normalize: normalizeText},
			{field: "site", normalize: normalizeText},
		},
		entity.TypeVehicle: {
			{field: "name", required: true, normalize: normalizeText},
			{field: "vin", normalize: normalizeVIN, duplicateKey: true},
			{field: "license_plate", normalize: normalizeUpper},
			{field: "site", normalize: normalizeText},
			{field: "asset_type", normalize: normalizeText},
		},
		entity.TypeDepartment: {{field: "name", required: true, normalize: normalizeText, duplicateKey: true}},
		entity.TypeJob: {
			{field: "name", required: true, normalize: normalizeText},
			{field: "site", normalize: normalizeText},
			{field: "status", normalize: normalizeLower},
		},
		entity.TypeTitle:     {{field: "name", required: true, normalize: normalizeText, duplicateKey: true}},
		entity.TypeAssetType: {{field: "name", required: true, normalize: normalizeText, duplicateKey: true}},
		entity.TypeRole:      {{field: "name", required: true, normalize: normalizeText, duplicateKey: true}},
		entity.TypeSite: {
			{field: "name", required: true, normalize: normalizeText, duplicateKey: true},
			{field: "address", normalize: normalizeText},
		},
	}
	return v
}

// Validate normalizes and repairs rec in place and reports the outcome.
func (v *Validator) Validate(rec entity.Record) Result {
	res := Result{Valid: true}
	rules, ok := v.rules[rec.EntityType()]
	if !ok {
		res.Valid = false
		res.Errors = append(res.Errors, FieldError{
			Field: "entity_type",
			Error: fmt.Sprintf("no validation rules for type %q", rec.EntityType()),
		})
		return res
	}

	fields := rec.Fields()

	for _, r := range rules {
		val := fields[r.field]
		if r.normalize != nil {
			val = r.normalize(val)
		}
		fields[r.field] = val
	}

	for _, r := range rules {
		if r.repair == nil {
			continue
		}
		if newVal, kind, repaired := r.repair(r.field, fields, v); repaired {
			fields[r.field] = newVal
			res.Repairs = append(res.Repairs, Repair{Field: r.field, Kind: kind})
		}
	}

	for _, r := range rules {
		if r.required && fields[r.field] == "" {
			res.Valid = false
			res.Errors = append(res.Errors, FieldError{Field: r.field, Error: "required field is empty"})
		}
		if r.field == "email" && fields[r.field] != "" && !validEmail(fields[r.field]) {
			res.Valid = false
			res.Errors = append(res.Errors, FieldError{Field: r.field, Error: "invalid email format", Value: fields[r.field]})
		}
		if r.duplicateKey && fields[r.field] != "" {
			res.DuplicateKey = string(rec.EntityType()) + ":" + strings.ToLower(fields[r.field])
		}
	}

	sort.Slice(res.Repairs, func(i, j int) bool { return res.Repairs[i].Field < res.Repairs[j].Field })
	sort.Slice(res.Errors, func(i, j int) bool { return res.Errors[i].Field < res.Errors[j].Field })

	for name, val := range fields {
		rec.SetField(name, val)
	}
	res.Payload = rec.Fields()
	return res
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func normalizeName(s string) string {
	return normalizeText(s)
}

func normalizeLower(s string) string {
	return strings.ToLower(normalizeText(s))
}

func normalizeUpper(s string) string {
	return strings.ToUpper(normalizeText(s))
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func normalizeVIN(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), ""))
}

// normalizePhone keeps digits and a leading plus sign only.
func normalizePhone(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else if r == '+' && i == 0 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func validEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == s && strings.Contains(s, "@")
}

func validPhone(s string) bool {
	digits := strings.TrimPrefix(s, "+")
	return len(digits) >= 7 && len(digits) <= 15
}

// repairName defaults a missing name component to the literal "Unknown".
func repairName(field string, fields map[string]string, _ *Validator) (string, string, bool) {
	if fields[field] != "" {
		return "", "", false
	}
	return "Unknown", "defaulted", true
}

// dropInvalidPhone removes a malformed phone rather than failing the record.
func dropInvalidPhone(_ string, fields map[string]string, _ *Validator) (string, string, bool) {
	phone := fields["phone"]
	if phone == "" || validPhone(phone) {
		return "", "", false
	}
	return "", "dropped", true
}

// repairEmail synthesizes first.last@domain when the email is missing and
// both names are present after name repair.
func repairEmail(_ string, fields map[string]string, v *Validator) (string, string, bool) {
	if fields["email"] != "" {
		return "", "", false
	}
	first, last := fields["first_name"], fields["last_name"]
	if first == "" || last == "" {
		return "", "", false
	}
	addr := strings.ToLower(emailToken(first) + "." + emailToken(last) + "@" + v.EmailDomain)
	return addr, "synthesized", true
}

// emailToken strips characters that cannot appear in a local part.
func emailToken(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}
