package ports

import "context"

// Authorizer checks whether an actor may take data on a data session.
// It is a remote call with its own timeout; a denial is terminal for the
// switch attempt and is never retried.
type Authorizer interface {
	// Authorize returns true when actor may run dataSession on beamline.
	// The error return is for transport failures only, never for denial.
	Authorize(ctx context.Context, actor, dataSession, beamline string) (bool, error)
}
