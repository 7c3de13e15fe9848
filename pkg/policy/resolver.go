package policy

import "sort"

// Claim is one admin's recorded value for a policy key.
type Claim struct {
	Admin EnforcingAdmin
	Value Value
}

// Resolver derives the single effective value from all current claims.
//
// A Resolver MUST be a pure function of the claim list: identical claims
// always resolve identically. The engine sorts claims by admin identity
// before every call and recomputes from scratch on every mutation, so a
// resolver never sees partial or reordered input. An empty claim list
// resolves to nil ("no policy").
type Resolver interface {
	Resolve(claims []Claim) Value
}

// ResolverFunc adapts a plain function to the Resolver interface.
type ResolverFunc func(claims []Claim) Value

func (f ResolverFunc) Resolve(claims []Claim) Value { return f(claims) }

// SortClaims orders claims by admin identity in place.
func SortClaims(claims []Claim) {
	sort.Slice(claims, func(i, j int) bool {
		return claims[i].Admin.less(claims[j].Admin)
	})
}

// MostRestrictiveBool resolves boolean claims so that the restrictive value
// wins whenever any admin requests it.
func MostRestrictiveBool(restrictive bool) Resolver {
	return ResolverFunc(func(claims []Claim) Value {
		if len(claims) == 0 {
			return nil
		}
		for _, c := range claims {
			if b, ok := c.Value.(BoolValue); ok && bool(b) == restrictive {
				return BoolValue(restrictive)
			}
		}
		return BoolValue(!restrictive)
	})
}

// LargestInt resolves integer claims to the largest requested value,
// for kinds where a bigger number is stricter (e.g. minimum lengths).
func LargestInt() Resolver {
	return ResolverFunc(func(claims []Claim) Value {
		var best Value
		for _, c := range claims {
			n, ok := c.Value.(IntValue)
			if !ok {
				continue
			}
			if best == nil || n > best.(IntValue) {
				best = n
			}
		}
		return best
	})
}

// SmallestInt resolves integer claims to the smallest requested value,
// for kinds where a smaller number is stricter (e.g. timeouts, maximums).
func SmallestInt() Resolver {
	return ResolverFunc(func(claims []Claim) Value {
		var best Value
		for _, c := range claims {
			n, ok := c.Value.(IntValue)
			if !ok {
				continue
			}
			if best == nil || n < best.(IntValue) {
				best = n
			}
		}
		return best
	})
}

// UnionStringSet resolves string-set claims to the union of all sets.
func UnionStringSet() Resolver {
	return ResolverFunc(func(claims []Claim) Value {
		var elems []string
		seen := false
		for _, c := range claims {
			set, ok := c.Value.(StringSetValue)
			if !ok {
				continue
			}
			seen = true
			elems = append(elems, set...)
		}
		if !seen {
			return nil
		}
		return NewStringSet(elems...)
	})
}

// TopPriority resolves to the claim of the highest-priority admin, where
// rank returns a smaller number for a higher priority. Ties fall to the
// earlier admin in the sorted claim order, keeping the result
// deterministic.
func TopPriority(rank func(EnforcingAdmin) int) Resolver {
	return ResolverFunc(func(claims []Claim) Value {
		var (
			best     Value
			bestRank int
		)
		for _, c := range claims {
			r := rank(c.Admin)
			if best == nil || r < bestRank {
				best = c.Value
				bestRank = r
			}
		}
		return best
	})
}
