// Package switcher orchestrates the atomic change of the current experiment
// for one beamline namespace.
//
// The remote store has no multi-key transactions, so a switch writes the
// identity fields one by one and compensates on failure: if any field write
// fails mid-sequence, every already-written field is rolled back to its
// prior value. A rollback that itself fails leaves the namespace in the
// terminal Inconsistent state, which is observable, logged distinctly, and
// blocks further switches until externally cleared.
package switcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nsls2-tools/beamsync/internal/cache"
	"github.com/nsls2-tools/beamsync/internal/domain"
	"github.com/nsls2-tools/beamsync/internal/ports"
)

// DefaultAuthTimeout bounds the authorization round-trip.
const DefaultAuthTimeout = 15 * time.Second

// StateObserver is called when the switch state machine transitions.
type StateObserver interface {
	OnStateChange(previous, current State, reason string)
}

// Switcher serializes experiment switches for one beamline namespace.
type Switcher struct {
	beamline    string
	cache       *cache.Cache
	authorizer  ports.Authorizer
	facility    ports.FacilityClient
	logger      ports.Logger
	observer    StateObserver
	authTimeout time.Duration

	mu    sync.Mutex
	state State
}

// Option configures a Switcher.
type Option func(*Switcher)

// WithStateObserver registers an observer for state transitions.
func WithStateObserver(o StateObserver) Option {
	return func(s *Switcher) { s.observer = o }
}

// WithAuthTimeout overrides the authorization call timeout.
func WithAuthTimeout(d time.Duration) Option {
	return func(s *Switcher) { s.authTimeout = d }
}

// New creates a switcher for beamline backed by c.
func New(beamline string, c *cache.Cache, authorizer ports.Authorizer, facility ports.FacilityClient, logger ports.Logger, opts ...Option) *Switcher {
	s := &Switcher{
		beamline:    beamline,
		cache:       c,
		authorizer:  authorizer,
		facility:    facility,
		logger:      logger,
		authTimeout: DefaultAuthTimeout,
		state:       StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current switch state for the namespace.
func (s *Switcher) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ClearInconsistent acknowledges external repair of the namespace and
// re-enables switching.
func (s *Switcher) ClearInconsistent() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInconsistent {
		return transitionError(s.state, StateIdle)
	}
	s.setStateLocked(StateIdle, "externally repaired")
	return nil
}

// Switch verifies actor's access to proposalNumber and performs an
// all-or-nothing update of the namespace's experiment identity. Switch
// calls for the same namespace never interleave: one completes or rolls
// back before the next begins.
func (s *Switcher) Switch(ctx context.Context, proposalNumber, actor string) (domain.ExperimentIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateInconsistent {
		return domain.ExperimentIdentity{}, domain.ErrInconsistent
	}
	if s.state != StateIdle {
		return domain.ExperimentIdentity{}, transitionError(s.state, StateValidating)
	}

	attemptID := uuid.NewString()
	s.setStateLocked(StateValidating, "switch requested")

	identity, err := s.buildIdentity(ctx, proposalNumber, actor)
	if err != nil {
		s.setStateLocked(StateIdle, "validation failed")
		return domain.ExperimentIdentity{}, err
	}

	// Same-session fast path: only the cycle can have changed.
	if s.sameSession(ctx, identity) {
		s.logger.Warn("experiment already started by the same user",
			ports.String("data_session", identity.DataSession),
			ports.String("username", actor),
		)
		if err := s.cache.Set(ctx, "cycle", identity.Cycle); err != nil {
			s.setStateLocked(StateIdle, "cycle refresh failed")
			return domain.ExperimentIdentity{}, err
		}
		s.setStateLocked(StateIdle, "same session refreshed")
		return identity, nil
	}

	s.setStateLocked(StateAuthorizing, "identity validated")
	if err := s.authorize(ctx, actor, identity.DataSession); err != nil {
		s.setStateLocked(StateIdle, "authorization failed")
		return domain.ExperimentIdentity{}, err
	}

	s.setStateLocked(StateWriting, "authorized")
	if err := s.writeIdentity(ctx, identity, attemptID); err != nil {
		return domain.ExperimentIdentity{}, err
	}

	s.setStateLocked(StateCommitted, "all fields written")
	s.logger.Info("started experiment",
		ports.String("data_session", identity.DataSession),
		ports.String("username", identity.Username),
		ports.String("attempt", attemptID),
	)
	s.setStateLocked(StateIdle, "switch complete")
	return identity, nil
}

// buildIdentity validates the proposal against the facility and assembles
// the identity to switch to. An unreachable facility API degrades proposal
// validation to a warning; malformed input never does.
func (s *Switcher) buildIdentity(ctx context.Context, proposalNumber, actor string) (domain.ExperimentIdentity, error) {
	identity := domain.ExperimentIdentity{
		ProposalID:    proposalNumber,
		DataSession:   domain.DataSessionFor(proposalNumber),
		Username:      actor,
		StartDatetime: time.Now().Format(time.RFC3339),
	}
	if err := identity.Validate(); err != nil {
		return domain.ExperimentIdentity{}, err
	}

	commissioning, err := s.facility.IsCommissioningProposal(ctx, proposalNumber, s.beamline)
	if err != nil {
		s.logger.Warn("could not check commissioning status, proceeding",
			ports.String("proposal", proposalNumber),
			ports.Err(err),
		)
	}

	if commissioning {
		identity.Cycle = "commissioning"
	} else {
		cycle, err := s.facility.CurrentCycle(ctx)
		if err != nil {
			s.logger.Warn("could not fetch current cycle, proceeding",
				ports.String("proposal", proposalNumber),
				ports.Err(err),
			)
		}
		identity.Cycle = cycle
	}

	record, err := s.facility.Proposal(ctx, proposalNumber)
	if err != nil {
		// The original system warns and lets the run start when the
		// facility API is unreachable during validation.
		s.logger.Warn("proposal validation degraded, facility api unavailable",
			ports.String("proposal", proposalNumber),
			ports.Err(err),
		)
		return identity, nil
	}

	if !commissioning && identity.Cycle != "" && !contains(record.Cycles, identity.Cycle) {
		return domain.ExperimentIdentity{}, &domain.ValidationError{
			Field:  "proposal_id",
			Reason: fmt.Sprintf("proposal %s is not valid in the current cycle (%s)", identity.DataSession, identity.Cycle),
		}
	}
	if len(record.Instruments) > 0 && !containsFold(record.Instruments, s.beamline) {
		return domain.ExperimentIdentity{}, &domain.ValidationError{
			Field:  "proposal_id",
			Reason: fmt.Sprintf("wrong beamline (%s) for proposal %s", s.beamline, identity.DataSession),
		}
	}

	identity.Title = record.Title
	identity.Type = record.Type
	identity.PIName = record.PIName
	return identity, nil
}

// sameSession reports whether identity is already current for the same user.
func (s *Switcher) sameSession(ctx context.Context, identity domain.ExperimentIdentity) bool {
	current, err := s.cache.Get(ctx, "data_session")
	if err != nil {
		return false
	}
	user, err := s.cache.Get(ctx, "username")
	if err != nil {
		return false
	}
	return current == identity.DataSession && user == identity.Username
}

func (s *Switcher) authorize(ctx context.Context, actor, dataSession string) error {
	actx, cancel := context.WithTimeout(ctx, s.authTimeout)
	defer cancel()

	granted, err := s.authorizer.Authorize(actx, actor, dataSession, s.beamline)
	if err != nil {
		return fmt.Errorf("authorization check: %w", err)
	}
	if !granted {
		return &domain.AuthorizationError{Actor: actor, DataSession: dataSession}
	}
	return nil
}

// priorValue is the pre-switch value of one identity field.
type priorValue struct {
	value   string
	existed bool
}

// writeIdentity writes the identity fields through the cache, rolling back
// on the first failure. The caller holds the switch lock.
func (s *Switcher) writeIdentity(ctx context.Context, identity domain.ExperimentIdentity, attemptID string) error {
	fields := identity.Fields()

	// Capture pre-switch values first so compensation is possible.
	prior := make(map[string]priorValue, len(fields))
	for _, f := range fields {
		v, err := s.cache.Get(ctx, f.Name)
		switch {
		case err == nil:
			prior[f.Name] = priorValue{value: v, existed: true}
		case errors.Is(err, domain.ErrNotFound):
			prior[f.Name] = priorValue{existed: false}
		default:
			s.setStateLocked(StateRollingBack, "could not capture prior state")
			s.setStateLocked(StateIdle, "nothing written")
			return fmt.Errorf("capture prior value of %q: %w", f.Name, err)
		}
	}

	var written []string
	for _, f := range fields {
		if err := s.cache.Set(ctx, f.Name, f.Value); err != nil {
			return s.rollback(ctx, written, prior, attemptID, err)
		}
		written = append(written, f.Name)
	}
	return nil
}

// rollback restores prior values for every written field. If the rollback
// itself fails the namespace enters the terminal Inconsistent state.
func (s *Switcher) rollback(ctx context.Context, written []string, prior map[string]priorValue, attemptID string, cause error) error {
	s.setStateLocked(StateRollingBack, "field write failed")
	s.logger.Warn("rolling back partial identity update",
		ports.Int("written", len(written)),
		ports.String("attempt", attemptID),
		ports.Err(cause),
	)

	var unwound []string
	for _, name := range written {
		p := prior[name]
		if err := s.cache.Restore(ctx, name, p.value, p.existed); err != nil {
			s.setStateLocked(StateInconsistent, "rollback failed")
			partial := &domain.PartialUpdateError{
				Namespace: s.cache.Namespace(),
				Written:   written,
				Unwound:   unwound,
				Cause:     err,
			}
			// Logged distinctly from transient errors: this state needs an
			// operator.
			s.logger.Error("NAMESPACE INCONSISTENT: rollback failed, manual repair required",
				ports.String("namespace", s.cache.Namespace()),
				ports.String("attempt", attemptID),
				ports.Err(partial),
			)
			return partial
		}
		unwound = append(unwound, name)
	}

	s.setStateLocked(StateIdle, "rollback complete")
	return cause
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

func containsFold(values []string, v string) bool {
	for _, s := range values {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// setStateLocked transitions the state machine. The caller holds s.mu.
func (s *Switcher) setStateLocked(next State, reason string) {
	if !canTransition(s.state, next) {
		// Transition table bug; keep the machine honest rather than limp on.
		panic(transitionError(s.state, next))
	}
	previous := s.state
	s.state = next
	s.logger.Info("switch state transition",
		ports.String("from", previous.String()),
		ports.String("to", next.String()),
		ports.String("reason", reason),
	)
	if s.observer != nil {
		s.observer.OnStateChange(previous, next, reason)
	}
}
