package ports

import "context"

// Proposal is the facility's record of one proposal.
type Proposal struct {
	// ProposalID is the facility proposal identifier
	ProposalID string

	// Title is the proposal title
	Title string

	// Type is the proposal type, e.g. "General User"
	Type string

	// PIName is the principal investigator's display name
	PIName string

	// Cycles lists the facility cycles the proposal is valid in
	Cycles []string

	// Instruments lists the beamlines the proposal is approved for
	Instruments []string
}

// FacilityClient looks up cycle and proposal records from the facility API.
type FacilityClient interface {
	// CurrentCycle returns the facility's current operating cycle.
	CurrentCycle(ctx context.Context) (string, error)

	// IsCommissioningProposal reports whether proposalNumber is registered
	// as a commissioning proposal for beamline.
	IsCommissioningProposal(ctx context.Context, proposalNumber, beamline string) (bool, error)

	// Proposal fetches the proposal record for proposalNumber.
	Proposal(ctx context.Context, proposalNumber string) (Proposal, error)
}
