package journal

import (
	"time"

	"github.com/google/uuid"
)

// Status is the outcome of a procedure run on one host.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Run is one procedure execution against one host.
type Run struct {
	ID         uuid.UUID `json:"id"`
	Procedure  string    `json:"procedure"`
	Host       string    `json:"host"`
	Spec       string    `json:"spec"`
	Revision   string    `json:"revision"`
	Operator   string    `json:"operator"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

type runRecord struct {
	ID         string `gorm:"primaryKey;size:36"`
	Procedure  string `gorm:"size:32;not null"`
	Host       string `gorm:"size:255;not null;index"`
	Spec       string `gorm:"size:255"`
	Revision   string `gorm:"size:40"`
	Operator   string `gorm:"size:255"`
	Status     string `gorm:"size:16;not null;index"`
	Error      string `gorm:"type:text"`
	StartedAt  time.Time `gorm:"not null;index"`
	FinishedAt *time.Time
}

func (runRecord) TableName() string {
	return "deploy_runs"
}

func (r *runRecord) ToEntity() Run {
	id, _ := uuid.Parse(r.ID)
	run := Run{
		ID:        id,
		Procedure: r.Procedure,
		Host:      r.Host,
		Spec:      r.Spec,
		Revision:  r.Revision,
		Operator:  r.Operator,
		Status:    Status(r.Status),
		Error:     r.Error,
		StartedAt: r.StartedAt,
	}
	if r.FinishedAt != nil {
		run.FinishedAt = *r.FinishedAt
	}
	return run
}

func (r *runRecord) FromEntity(e Run) {
	r.ID = e.ID.String()
	r.Procedure = e.Procedure
	r.Host = e.Host
	r.Spec = e.Spec
	r.Revision = e.Revision
	r.Operator = e.Operator
	r.Status = string(e.Status)
	r.Error = e.Error
	r.StartedAt = e.StartedAt
	if !e.FinishedAt.IsZero() {
		finished := e.FinishedAt
		r.FinishedAt = &finished
	}
}
