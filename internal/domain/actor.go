package domain

// Actor is the caller identity passed explicitly into every operation.
// System actors are used by operator endpoints and background workers.
type Actor struct {
	UserID string
	System bool
	Name   string
}

// UserActor returns an Actor for an authenticated end user.
func UserActor(userID string) Actor {
	return Actor{UserID: userID}
}

// SystemActor returns an Actor for internal callers such as the sweeper.
func SystemActor(name string) Actor {
	return Actor{System: true, Name: name}
}

// Is reports whether the actor is the given user.
func (a Actor) Is(userID string) bool {
	return !a.System && a.UserID != "" && a.UserID == userID
}

// Label is used in logs and audit entries.
func (a Actor) Label() string {
	if a.System {
		return "system:" + a.Name
	}
	return a.UserID
}
