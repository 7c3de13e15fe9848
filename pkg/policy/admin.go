// Package policy holds the core domain types of the aegis engine:
// enforcing admins, policy values, claims, resolution strategies, and the
// per-key state tracking which admin has claimed which value.
package policy

import (
	"fmt"
	"sort"
)

// EnforcingAdmin identifies the management entity that set a policy:
// the owning package plus the user it runs under. Equality and hashing are
// identity-based, so the struct is used directly as a map key.
type EnforcingAdmin struct {
	PackageName string `json:"package_name"`
	UserID      int    `json:"user_id"`
}

// IsZero reports whether the admin identity is unset.
func (a EnforcingAdmin) IsZero() bool {
	return a.PackageName == ""
}

func (a EnforcingAdmin) String() string {
	return fmt.Sprintf("%s:%d", a.PackageName, a.UserID)
}

// less orders admins by package name, then user id. Claim lists are sorted
// with this before resolution so resolvers see a deterministic order.
func (a EnforcingAdmin) less(b EnforcingAdmin) bool {
	if a.PackageName != b.PackageName {
		return a.PackageName < b.PackageName
	}
	return a.UserID < b.UserID
}

// SortAdmins orders admins by identity in place, for deterministic
// notification and serialization order.
func SortAdmins(admins []EnforcingAdmin) {
	sort.Slice(admins, func(i, j int) bool {
		return admins[i].less(admins[j])
	})
}
