package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/nsls2-tools/beamsync/internal/ports"
)

// FacilityClient implements ports.FacilityClient and ports.Authorizer
// against the facility proposal API.
type FacilityClient struct {
	client  ports.HTTPClient
	baseURL string
}

// NewFacilityClient creates a facility API client for the API at baseURL.
func NewFacilityClient(client ports.HTTPClient, baseURL string) *FacilityClient {
	return &FacilityClient{client: client, baseURL: baseURL}
}

// CurrentCycle returns the facility's current operating cycle.
func (f *FacilityClient) CurrentCycle(ctx context.Context) (string, error) {
	var body struct {
		Cycle string `json:"cycle"`
	}
	if err := f.getJSON(ctx, "/v1/facility/cycles/current", &body); err != nil {
		return "", err
	}
	return body.Cycle, nil
}

// IsCommissioningProposal reports whether proposalNumber is registered as a
// commissioning proposal for beamline.
func (f *FacilityClient) IsCommissioningProposal(ctx context.Context, proposalNumber, beamline string) (bool, error) {
	var body struct {
		CommissioningProposals []string `json:"commissioning_proposals"`
	}
	path := "/v1/proposals/commissioning?beamline=" + url.QueryEscape(strings.ToLower(beamline))
	if err := f.getJSON(ctx, path, &body); err != nil {
		return false, err
	}
	for _, p := range body.CommissioningProposals {
		if p == proposalNumber {
			return true, nil
		}
	}
	return false, nil
}

// Proposal fetches the proposal record for proposalNumber.
func (f *FacilityClient) Proposal(ctx context.Context, proposalNumber string) (ports.Proposal, error) {
	var body struct {
		Proposal struct {
			ProposalID   string   `json:"proposal_id"`
			Title        string   `json:"title"`
			Type         string   `json:"type"`
			Cycles       []string `json:"cycles"`
			Instruments  []string `json:"instruments"`
			ErrorMessage string   `json:"error_message"`
			Users        []struct {
				FirstName string `json:"first_name"`
				LastName  string `json:"last_name"`
				IsPI      bool   `json:"is_pi"`
			} `json:"users"`
		} `json:"proposal"`
	}
	if err := f.getJSON(ctx, "/v1/proposal/"+url.PathEscape(proposalNumber), &body); err != nil {
		return ports.Proposal{}, err
	}
	if body.Proposal.ErrorMessage != "" {
		return ports.Proposal{}, fmt.Errorf("proposal %s: %s", proposalNumber, body.Proposal.ErrorMessage)
	}

	p := ports.Proposal{
		ProposalID:  body.Proposal.ProposalID,
		Title:       body.Proposal.Title,
		Type:        body.Proposal.Type,
		Cycles:      body.Proposal.Cycles,
		Instruments: body.Proposal.Instruments,
	}
	for _, u := range body.Proposal.Users {
		if u.IsPI {
			p.PIName = strings.TrimSpace(u.FirstName + " " + u.LastName)
		}
	}
	return p, nil
}

// Authorize returns true when actor may take data on dataSession at
// beamline: facility-wide access, beamline-wide access, or explicit
// data-session membership all grant access.
func (f *FacilityClient) Authorize(ctx context.Context, actor, dataSession, beamline string) (bool, error) {
	var body struct {
		FacilityAllAccess []string `json:"facility_all_access"`
		BeamlineAllAccess []string `json:"beamline_all_access"`
		DataSessions      []string `json:"data_sessions"`
	}
	if err := f.getJSON(ctx, "/v1/data-session/"+url.PathEscape(actor), &body); err != nil {
		return false, err
	}
	for _, fac := range body.FacilityAllAccess {
		if fac == "nsls2" {
			return true, nil
		}
	}
	for _, bl := range body.BeamlineAllAccess {
		if strings.EqualFold(bl, beamline) {
			return true, nil
		}
	}
	for _, ds := range body.DataSessions {
		if ds == dataSession {
			return true, nil
		}
	}
	return false, nil
}

func (f *FacilityClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("facility api %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("facility api %s: server returned %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("facility api %s: decode: %w", path, err)
	}
	return nil
}
