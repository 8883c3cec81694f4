// Package resume stores the career profiles that generation requests are
// personalized with.
package resume

import (
	"context"
	"strings"
	"time"
)

// Resume is a stored career profile.
type Resume struct {
	ID                string    `json:"id"`
	CareerSummary     string    `json:"careerSummary"`
	JobExperience     string    `json:"jobExperience"`
	Skills            string    `json:"skills"`
	DesiredPosition   string    `json:"desiredPosition,omitempty"`
	YearsOfExperience int       `json:"yearsOfExperience"`
	Industry          string    `json:"industry"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// CreateRequest is the payload for creating or replacing a resume.
type CreateRequest struct {
	CareerSummary     string `json:"careerSummary"`
	JobExperience     string `json:"jobExperience"`
	Skills            string `json:"skills"`
	DesiredPosition   string `json:"desiredPosition,omitempty"`
	YearsOfExperience *int   `json:"yearsOfExperience"`
	Industry          string `json:"industry"`
}

// Validate checks the required fields.
func (r *CreateRequest) Validate() error {
	var missing []string
	if strings.TrimSpace(r.CareerSummary) == "" {
		missing = append(missing, "careerSummary")
	}
	if strings.TrimSpace(r.JobExperience) == "" {
		missing = append(missing, "jobExperience")
	}
	if strings.TrimSpace(r.Skills) == "" {
		missing = append(missing, "skills")
	}
	if r.YearsOfExperience == nil {
		missing = append(missing, "yearsOfExperience")
	}
	if strings.TrimSpace(r.Industry) == "" {
		missing = append(missing, "industry")
	}
	if len(missing) > 0 {
		return &ValidationError{Message: "missing required fields: " + strings.Join(missing, ", ")}
	}
	if *r.YearsOfExperience < 0 {
		return &ValidationError{Message: "yearsOfExperience must be zero or more"}
	}
	return nil
}

// apply copies the request fields onto r.
func (r *CreateRequest) apply(res *Resume) {
	res.CareerSummary = r.CareerSummary
	res.JobExperience = r.JobExperience
	res.Skills = r.Skills
	res.DesiredPosition = r.DesiredPosition
	if r.YearsOfExperience != nil {
		res.YearsOfExperience = *r.YearsOfExperience
	}
	res.Industry = r.Industry
}

// Store persists resumes.
type Store interface {
	// Create validates req and stores a new resume with a fresh ID.
	Create(ctx context.Context, req *CreateRequest) (*Resume, error)

	// Get returns the resume with id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Resume, error)

	// Update replaces the fields of an existing resume.
	Update(ctx context.Context, id string, req *CreateRequest) (*Resume, error)

	// Delete removes a resume. Deleting a missing resume returns ErrNotFound.
	Delete(ctx context.Context, id string) error

	// Close releases any resources.
	Close() error
}

// ErrNotFound is returned when a resume doesn't exist in the store.
type ErrNotFound struct {
	ID string
}

func (e ErrNotFound) Error() string {
	if e.ID == "" {
		return "resume not found"
	}

	return "resume not found: " + e.ID
}

// ValidationError is returned for an invalid CreateRequest.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
