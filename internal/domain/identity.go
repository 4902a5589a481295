package domain

import (
	"regexp"
	"strings"
)

// dataSessionPattern matches the facility data-session form, e.g. "pass-123456".
var dataSessionPattern = regexp.MustCompile(`^pass-(?P<proposal_number>\d+)$`)

// DataSessionFor builds the canonical data-session value for a proposal number.
func DataSessionFor(proposalNumber string) string {
	return "pass-" + proposalNumber
}

// ProposalNumberFromSession extracts the proposal number from a data-session
// value. It returns false when the value does not match the expected form.
func ProposalNumberFromSession(dataSession string) (string, bool) {
	m := dataSessionPattern.FindStringSubmatch(dataSession)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ExperimentIdentity is the subset of namespace metadata that is swapped
// atomically when an experiment starts or switches. At most one identity is
// current per beamline namespace.
type ExperimentIdentity struct {
	// ProposalID is the facility proposal identifier
	ProposalID string

	// DataSession is the data-session value, e.g. "pass-123456"
	DataSession string

	// Type is the proposal type as recorded by the facility
	Type string

	// Username is the login name of the user running the experiment
	Username string

	// Title is the proposal title
	Title string

	// PIName is the principal investigator's display name
	PIName string

	// Cycle is the facility cycle, or "commissioning"
	Cycle string

	// StartDatetime is the RFC 3339 timestamp of the switch
	StartDatetime string
}

// Validate checks the identity is complete enough to switch to.
func (id *ExperimentIdentity) Validate() error {
	if strings.TrimSpace(id.ProposalID) == "" {
		return &ValidationError{Field: "proposal_id", Reason: "proposal id is required"}
	}
	if _, ok := ProposalNumberFromSession(id.DataSession); !ok {
		return &ValidationError{
			Field:  "data_session",
			Reason: "must match " + dataSessionPattern.String(),
		}
	}
	if strings.TrimSpace(id.Username) == "" {
		return &ValidationError{Field: "username", Reason: "username is required"}
	}
	return nil
}

// Fields returns the identity as metadata field/value pairs in the order
// they are written during a switch.
func (id *ExperimentIdentity) Fields() []FieldValue {
	return []FieldValue{
		{Name: "data_session", Value: id.DataSession},
		{Name: "proposal_id", Value: id.ProposalID},
		{Name: "type", Value: id.Type},
		{Name: "username", Value: id.Username},
		{Name: "title", Value: id.Title},
		{Name: "pi_name", Value: id.PIName},
		{Name: "cycle", Value: id.Cycle},
		{Name: "start_datetime", Value: id.StartDatetime},
	}
}

// FieldValue is one metadata field with its value.
type FieldValue struct {
	Name  string
	Value string
}
