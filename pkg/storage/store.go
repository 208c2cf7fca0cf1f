package storage

import (
	"time"
)

// Persister saves and restores the serialized coordinator state. The
// engine calls Snapshot at every state-changing point and Recover once on
// start; it never interprets the bytes itself.
type Persister interface {
	// Snapshot durably records state, replacing any earlier snapshot
	Snapshot(state []byte) error

	// Recover returns the most recent snapshot, or nil when none exists
	Recover() ([]byte, error)
}

// DeploymentStore keeps one summary record per deployment so the state of
// a coordinator can be inspected without decoding its snapshots
type DeploymentStore interface {
	PutDeployment(rec *DeploymentRecord) error
	GetDeployment(name string) (*DeploymentRecord, error)
	ListDeployments() ([]*DeploymentRecord, error)
	DeleteDeployment(name string) error
}

// DeploymentRecord is the persisted summary of one deployment
type DeploymentRecord struct {
	Name        string      `json:"name"`
	Mode        string      `json:"mode"`
	State       string      `json:"state"`
	Status      string      `json:"status"`
	Services    int         `json:"services"`
	Instances   int         `json:"instances"`
	DeployDates []time.Time `json:"deploy_dates,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}
