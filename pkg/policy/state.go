package policy

// State tracks all admins' claims for one policy key within one scope
// (a single user's local map, or the device-global map) and the current
// resolved value derived from them.
//
// The resolved value is never mutated directly: every Add, Remove, and
// Resolve recomputes it from the full claim set, so it cannot drift from
// the resolver's pure-function result. A State with no claims is considered
// absent and is pruned from its owning map by the engine.
//
// State is not safe for concurrent use; the engine serializes access under
// its own lock.
type State struct {
	resolver Resolver
	byAdmin  map[EnforcingAdmin]Value
	resolved Value
}

// NewState creates an empty State resolving with r.
func NewState(r Resolver) *State {
	return &State{
		resolver: r,
		byAdmin:  make(map[EnforcingAdmin]Value),
	}
}

// Add records or overwrites admin's claim and recomputes resolution.
// globalClaims carries the same-key global state's claims when this is a
// local State that must account for them; pass nil otherwise. Reports
// whether the resolved value changed.
func (s *State) Add(admin EnforcingAdmin, value Value, globalClaims map[EnforcingAdmin]Value) bool {
	s.byAdmin[admin] = value
	return s.Resolve(globalClaims)
}

// Remove deletes admin's claim, if any, and recomputes resolution.
// Reports whether the resolved value changed.
func (s *State) Remove(admin EnforcingAdmin, globalClaims map[EnforcingAdmin]Value) bool {
	delete(s.byAdmin, admin)
	return s.Resolve(globalClaims)
}

// Resolve recomputes the resolved value from the current claims plus
// globalClaims. It is also the entry point used when a same-key global
// state changed without any local claim changing. Reports whether the
// resolved value changed.
func (s *State) Resolve(globalClaims map[EnforcingAdmin]Value) bool {
	claims := make([]Claim, 0, len(s.byAdmin)+len(globalClaims))
	for a, v := range s.byAdmin {
		claims = append(claims, Claim{Admin: a, Value: v})
	}
	for a, v := range globalClaims {
		claims = append(claims, Claim{Admin: a, Value: v})
	}
	SortClaims(claims)

	var next Value
	if len(claims) > 0 {
		next = s.resolver.Resolve(claims)
	}
	changed := !ValuesEqual(s.resolved, next)
	s.resolved = next
	return changed
}

// Resolved returns the current resolved value, or false when no policy is
// in effect.
func (s *State) Resolved() (Value, bool) {
	return s.resolved, s.resolved != nil
}

// SetByAdmins returns a copy of the admin-to-value claim map.
func (s *State) SetByAdmins() map[EnforcingAdmin]Value {
	out := make(map[EnforcingAdmin]Value, len(s.byAdmin))
	for a, v := range s.byAdmin {
		out[a] = v
	}
	return out
}

// ValueFor returns the claim admin recorded, or false if it has none.
func (s *State) ValueFor(admin EnforcingAdmin) (Value, bool) {
	v, ok := s.byAdmin[admin]
	return v, ok
}

// Empty reports whether no admin holds a claim on this state.
func (s *State) Empty() bool {
	return len(s.byAdmin) == 0
}
