package roles

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/enrichment-engine/internal/model"
)

// ErrInvalidTransition is returned for a state change the lifecycle forbids.
var ErrInvalidTransition = eris.New("invalid role state transition")

// transitions lists the allowed next states for each state. Stale
// assignments must pass through provisional before they can be confirmed
// again.
var transitions = map[model.RoleState][]model.RoleState{
	model.RoleUnassigned:  {model.RoleProvisional, model.RoleConfirmed},
	model.RoleProvisional: {model.RoleConfirmed, model.RoleUnassigned, model.RoleStale},
	model.RoleConfirmed:   {model.RoleStale, model.RoleProvisional, model.RoleUnassigned},
	model.RoleStale:       {model.RoleProvisional, model.RoleUnassigned},
}

// CanTransition reports whether from → to is allowed. Staying put is always
// allowed.
func CanTransition(from, to model.RoleState) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves a to state, enforcing the lifecycle and the rule that
// possible departures are never confirmed.
func Transition(a model.RoleAssignment, to model.RoleState, departed bool) (model.RoleAssignment, error) {
	if !CanTransition(a.State, to) {
		return a, eris.Wrapf(ErrInvalidTransition, "roles: %s → %s", a.State, to)
	}
	if to == model.RoleConfirmed && departed {
		return a, eris.Wrap(ErrInvalidTransition, "roles: possible departure cannot be confirmed")
	}
	if to != model.RoleUnassigned && a.Role == model.RoleNone {
		return a, eris.Wrapf(ErrInvalidTransition, "roles: no role to move to %s", to)
	}
	a.State = to
	return a, nil
}

// Refresh marks an assignment stale once it is older than staleAfter.
// Unassigned assignments never go stale.
func Refresh(a model.RoleAssignment, now time.Time, staleAfter time.Duration) model.RoleAssignment {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if a.State == model.RoleUnassigned || a.State == model.RoleStale {
		return a
	}
	if now.Sub(a.ScoredAt) > staleAfter {
		a.State = model.RoleStale
	}
	return a
}

// Reconcile folds a fresh score into the previous assignment for the same
// person-company pair. External verification carries over while the
// fingerprint is unchanged; a stale assignment re-enters provisional before
// it may be confirmed.
func Reconcile(prev *model.RoleAssignment, next model.RoleAssignment, departed bool, now time.Time, staleAfter time.Duration) model.RoleAssignment {
	if prev == nil {
		return next
	}
	old := Refresh(*prev, now, staleAfter)

	if old.VerifiedExternally && old.Fingerprint == next.Fingerprint && next.Role == old.Role && next.Role != model.RoleNone {
		next.VerifiedExternally = true
		if !departed {
			next.State = model.RoleConfirmed
		}
	}

	if CanTransition(old.State, next.State) {
		return next
	}
	if old.State == model.RoleStale {
		next.Rationale = append(next.Rationale, "re-entered provisional after going stale")
	}
	next.State = model.RoleProvisional
	return next
}

// ConfirmExternally records that an outside source verified the assignment.
func ConfirmExternally(a model.RoleAssignment, departed bool) (model.RoleAssignment, error) {
	out, err := Transition(a, model.RoleConfirmed, departed)
	if err != nil {
		return a, err
	}
	out.VerifiedExternally = true
	return out, nil
}
