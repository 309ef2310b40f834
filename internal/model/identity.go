// Package model defines the identity, suggestion, and merge-record types
// shared across the resolution pipeline.
package model

import "time"

// Field keys used in provenance maps and survivorship decision logs.
const (
	FieldFirstName    = "first_name"
	FieldLastName     = "last_name"
	FieldEmail        = "email"
	FieldPhone        = "phone"
	FieldDOB          = "dob"
	FieldStreet       = "street"
	FieldCity         = "city"
	FieldState        = "state"
	FieldZipCode      = "zip_code"
	FieldEmployer     = "employer"
	FieldSchool       = "school"
	FieldDoNotCall    = "do_not_call"
	FieldDoNotEmail   = "do_not_email"
	FieldDoNotContact = "do_not_contact"
)

// ContactPreferenceFields are consent flags where the latest imported value
// always wins, regardless of provenance tier.
var ContactPreferenceFields = []string{FieldDoNotCall, FieldDoNotEmail, FieldDoNotContact}

// FieldMeta records the provenance of a single identity field.
type FieldMeta struct {
	Source     string     `json:"source,omitempty"`
	Manual     bool       `json:"manual,omitempty"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
}

// Identity is the canonical record for one contact.
type Identity struct {
	ID        int64  `json:"id" db:"id"`
	FirstName string `json:"first_name,omitempty" db:"first_name"`
	LastName  string `json:"last_name,omitempty" db:"last_name"`

	// Email holds the display form; EmailNorm is the folded comparison key
	// (lower-cased, plus-tag stripped). Same split for phone: Phone is the
	// raw display value, PhoneE164 the normalized key.
	Email     string `json:"email,omitempty" db:"email"`
	EmailNorm string `json:"email_norm,omitempty" db:"email_norm"`
	Phone     string `json:"phone,omitempty" db:"phone"`
	PhoneE164 string `json:"phone_e164,omitempty" db:"phone_e164"`

	DOB     string `json:"dob,omitempty" db:"dob"` // ISO date, YYYY-MM-DD
	Street  string `json:"street,omitempty" db:"street"`
	City    string `json:"city,omitempty" db:"city"`
	State   string `json:"state,omitempty" db:"state"`
	ZipCode string `json:"zip_code,omitempty" db:"zip_code"`

	Employer string `json:"employer,omitempty" db:"employer"`
	School   string `json:"school,omitempty" db:"school"`

	DoNotCall    bool `json:"do_not_call" db:"do_not_call"`
	DoNotEmail   bool `json:"do_not_email" db:"do_not_email"`
	DoNotContact bool `json:"do_not_contact" db:"do_not_contact"`

	Active     bool   `json:"active" db:"active"`
	MergedInto *int64 `json:"merged_into,omitempty" db:"merged_into"`

	// Provenance is keyed by field name. Fields without an entry carry
	// no manual flag and no verification timestamp.
	Provenance map[string]FieldMeta `json:"provenance,omitempty" db:"provenance"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Meta returns the provenance entry for a field, zero-valued when absent.
func (i *Identity) Meta(field string) FieldMeta {
	if i.Provenance == nil {
		return FieldMeta{}
	}
	return i.Provenance[field]
}

// SetMeta records provenance for a field, allocating the map on first use.
func (i *Identity) SetMeta(field string, meta FieldMeta) {
	if i.Provenance == nil {
		i.Provenance = make(map[string]FieldMeta)
	}
	i.Provenance[field] = meta
}

// FieldValue returns the string form of a field's current value. Boolean
// consent flags render as "true"/"false"; absent values return "".
func (i *Identity) FieldValue(field string) string {
	switch field {
	case FieldFirstName:
		return i.FirstName
	case FieldLastName:
		return i.LastName
	case FieldEmail:
		return i.Email
	case FieldPhone:
		return i.Phone
	case FieldDOB:
		return i.DOB
	case FieldStreet:
		return i.Street
	case FieldCity:
		return i.City
	case FieldState:
		return i.State
	case FieldZipCode:
		return i.ZipCode
	case FieldEmployer:
		return i.Employer
	case FieldSchool:
		return i.School
	case FieldDoNotCall:
		return boolString(i.DoNotCall)
	case FieldDoNotEmail:
		return boolString(i.DoNotEmail)
	case FieldDoNotContact:
		return boolString(i.DoNotContact)
	default:
		return ""
	}
}

// SetFieldValue assigns a field from its string form. Unknown fields are
// ignored so a stale decision log can never corrupt a record.
func (i *Identity) SetFieldValue(field, value string) {
	switch field {
	case FieldFirstName:
		i.FirstName = value
	case FieldLastName:
		i.LastName = value
	case FieldEmail:
		i.Email = value
	case FieldPhone:
		i.Phone = value
	case FieldDOB:
		i.DOB = value
	case FieldStreet:
		i.Street = value
	case FieldCity:
		i.City = value
	case FieldState:
		i.State = value
	case FieldZipCode:
		i.ZipCode = value
	case FieldEmployer:
		i.Employer = value
	case FieldSchool:
		i.School = value
	case FieldDoNotCall:
		i.DoNotCall = value == "true"
	case FieldDoNotEmail:
		i.DoNotEmail = value == "true"
	case FieldDoNotContact:
		i.DoNotContact = value == "true"
	}
}

// MergeFields lists every field survivorship evaluates, in a stable order
// so decision logs are deterministic.
var MergeFields = []string{
	FieldFirstName, FieldLastName,
	FieldEmail, FieldPhone,
	FieldDOB,
	FieldStreet, FieldCity, FieldState, FieldZipCode,
	FieldEmployer, FieldSchool,
	FieldDoNotCall, FieldDoNotEmail, FieldDoNotContact,
}

// ExternalID links an identity to a record in an external system.
type ExternalID struct {
	ID         int64     `json:"id" db:"id"`
	IdentityID int64     `json:"identity_id" db:"identity_id"`
	System     string    `json:"system" db:"system"`
	Value      string    `json:"value" db:"value"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
