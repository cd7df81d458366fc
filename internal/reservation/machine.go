// Package reservation holds the lifecycle state machine of a reservation.
//
// The machine is monotonic: pending is the only state with free outgoing
// edges, and confirmed may only move to cancelled when the backend says so.
package reservation

import (
	"lodging/internal/domain"
	"lodging/internal/models"
)

// Origin identifies who asks for a transition.
type Origin int

const (
	// OriginBackend is an answer from the authoritative backend.
	OriginBackend Origin = iota
	// OriginLocal is a decision the engine makes on its own, such as the
	// fallback expiration at the payment deadline.
	OriginLocal
)

func (o Origin) String() string {
	switch o {
	case OriginBackend:
		return "backend"
	case OriginLocal:
		return "local"
	default:
		return "unknown"
	}
}

type edge struct {
	from, to models.ReservationStatus
}

var edges = map[edge][]Origin{
	{models.StatusPending, models.StatusConfirmed}:   {OriginBackend},
	{models.StatusPending, models.StatusExpired}:     {OriginBackend, OriginLocal},
	{models.StatusPending, models.StatusCancelled}:   {OriginBackend, OriginLocal},
	{models.StatusConfirmed, models.StatusCancelled}: {OriginBackend},
}

// Transition validates the edge from -> to requested by origin.
// It returns a *domain.InvalidTransitionError for anything not allowed,
// including self-loops.
func Transition(from, to models.ReservationStatus, origin Origin) error {
	for _, o := range edges[edge{from, to}] {
		if o == origin {
			return nil
		}
	}
	return &domain.InvalidTransitionError{From: from, To: to}
}

// Allowed reports whether Transition would accept the edge.
func Allowed(from, to models.ReservationStatus, origin Origin) bool {
	return Transition(from, to, origin) == nil
}
