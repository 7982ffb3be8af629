package database

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/kozaktomas/child-finder/internal/constants"
)

// CaseStatus is the lifecycle state of a case. The string values are the
// storage/wire representation.
type CaseStatus string

const (
	StatusOpen     CaseStatus = "Open"
	StatusResolved CaseStatus = "Resolved"
	StatusClosed   CaseStatus = "Closed"
)

// ParseCaseStatus accepts the canonical names case-insensitively.
func ParseCaseStatus(s string) (CaseStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open":
		return StatusOpen, nil
	case "resolved":
		return StatusResolved, nil
	case "closed":
		return StatusClosed, nil
	}
	return "", &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown case status %q", s)}
}

// Searchable reports whether a case in this status must have an index entry.
func (s CaseStatus) Searchable() bool {
	return s == StatusOpen || s == StatusResolved
}

// Gender of the registered child.
type Gender string

const (
	GenderMale   Gender = "Male"
	GenderFemale Gender = "Female"
	GenderOther  Gender = "Other"
)

// ParseGender accepts the canonical names case-insensitively.
func ParseGender(s string) (Gender, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "male", "m":
		return GenderMale, nil
	case "female", "f":
		return GenderFemale, nil
	case "other", "o":
		return GenderOther, nil
	}
	return "", &ValidationError{Field: "gender", Reason: fmt.Sprintf("unknown gender %q", s)}
}

// CaseRecord is a registered missing-child case as stored in the metadata store.
type CaseRecord struct {
	ChildID                int64
	EmbeddingID            int64
	Name                   string
	Age                    int
	Gender                 Gender
	GuardianContact        string
	ImageReference         string
	Status                 CaseStatus
	DistinguishingFeatures string // optional
	LastKnownLocation      string // optional
	RegisteredAt           time.Time
	LastUpdatedAt          time.Time

	// Embedding is kept alongside the case so the index entry can be restored
	// by reconciliation. Not populated by list queries.
	Embedding []float32

	// RegistrationComplete is false while the registration saga is in flight.
	// Incomplete rows are invisible to lookups, listings and matching.
	RegistrationComplete bool
}

// CaseDetails holds the fields a corrective edit may change. Nil pointers are left untouched.
type CaseDetails struct {
	Name                   *string
	Age                    *int
	Gender                 *Gender
	GuardianContact        *string
	DistinguishingFeatures *string
	LastKnownLocation      *string
}

// Empty reports whether no field is set.
func (d CaseDetails) Empty() bool {
	return d.Name == nil && d.Age == nil && d.Gender == nil && d.GuardianContact == nil &&
		d.DistinguishingFeatures == nil && d.LastKnownLocation == nil
}

// Validate checks the fields that are set.
func (d CaseDetails) Validate() error {
	if d.Name != nil && strings.TrimSpace(*d.Name) == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if d.Age != nil {
		if err := ValidateAge(*d.Age); err != nil {
			return err
		}
	}
	if d.Gender != nil {
		if _, err := ParseGender(string(*d.Gender)); err != nil {
			return err
		}
	}
	if d.GuardianContact != nil && strings.TrimSpace(*d.GuardianContact) == "" {
		return &ValidationError{Field: "guardian_contact", Reason: "must not be empty"}
	}
	return nil
}

// ValidateAge enforces the registered age range (1-17 inclusive).
func ValidateAge(age int) error {
	if age < constants.MinAge || age > constants.MaxAge {
		return &ValidationError{
			Field:  "age",
			Reason: fmt.Sprintf("must be between %d and %d, got %d", constants.MinAge, constants.MaxAge, age),
		}
	}
	return nil
}

// ValidateEmbedding enforces the fixed embedding dimension and rejects vectors
// with no cosine direction: non-finite components or a zero norm.
func ValidateEmbedding(vec []float32, dim int) error {
	if len(vec) != dim {
		return &DimensionMismatchError{Expected: dim, Actual: len(vec)}
	}
	var norm float64
	for i, x := range vec {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return &ValidationError{Field: "embedding", Reason: fmt.Sprintf("component %d is not finite", i)}
		}
		norm += f * f
	}
	if norm == 0 {
		return &ValidationError{Field: "embedding", Reason: "zero vector"}
	}
	return nil
}

// SweepTarget identifies a deleted case whose blob still needs erasing.
type SweepTarget struct {
	EmbeddingID    int64
	ImageReference string
}

// Candidate is a single nearest-neighbor hit from the embedding index.
type Candidate struct {
	ID         int64
	Similarity float64
}
