package policy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mantle-labs/aegis/pkg/policy"
)

var (
	adminA = policy.EnforcingAdmin{PackageName: "com.acme.mdm", UserID: 0}
	adminB = policy.EnforcingAdmin{PackageName: "com.beta.mdm", UserID: 0}
	adminC = policy.EnforcingAdmin{PackageName: "com.acme.mdm", UserID: 10}
)

func TestState_AddResolves(t *testing.T) {
	st := policy.NewState(policy.MostRestrictiveBool(true))

	changed := st.Add(adminA, policy.BoolValue(true), nil)
	assert.True(t, changed)

	v, ok := st.Resolved()
	require.True(t, ok)
	assert.Equal(t, policy.BoolValue(true), v)
}

// TestState_AddSameValueNoChange verifies that re-recording an identical
// claim does not report a resolution change.
func TestState_AddSameValueNoChange(t *testing.T) {
	st := policy.NewState(policy.MostRestrictiveBool(true))

	st.Add(adminA, policy.BoolValue(true), nil)
	changed := st.Add(adminA, policy.BoolValue(true), nil)
	assert.False(t, changed)
}

func TestState_RestrictiveWinsAcrossAdmins(t *testing.T) {
	st := policy.NewState(policy.MostRestrictiveBool(true))

	st.Add(adminA, policy.BoolValue(true), nil)
	changed := st.Add(adminB, policy.BoolValue(false), nil)

	// The restrictive claim still wins; resolution did not change.
	assert.False(t, changed)
	v, ok := st.Resolved()
	require.True(t, ok)
	assert.Equal(t, policy.BoolValue(true), v)
}

func TestState_RemoveLastClaimClearsResolution(t *testing.T) {
	st := policy.NewState(policy.MostRestrictiveBool(true))
	st.Add(adminA, policy.BoolValue(true), nil)

	changed := st.Remove(adminA, nil)
	assert.True(t, changed)

	_, ok := st.Resolved()
	assert.False(t, ok)
	assert.True(t, st.Empty())
}

func TestState_RemoveRestrictiveClaimFallsBack(t *testing.T) {
	st := policy.NewState(policy.MostRestrictiveBool(true))
	st.Add(adminA, policy.BoolValue(true), nil)
	st.Add(adminB, policy.BoolValue(false), nil)

	changed := st.Remove(adminA, nil)
	assert.True(t, changed)

	v, ok := st.Resolved()
	require.True(t, ok)
	assert.Equal(t, policy.BoolValue(false), v)
}

// TestState_GlobalClaimsFoldIntoLocal verifies that a local state resolves
// over the union of its own claims and the same-key global claims.
func TestState_GlobalClaimsFoldIntoLocal(t *testing.T) {
	st := policy.NewState(policy.LargestInt())
	globalClaims := map[policy.EnforcingAdmin]policy.Value{
		adminB: policy.IntValue(12),
	}

	st.Add(adminA, policy.IntValue(8), globalClaims)

	v, ok := st.Resolved()
	require.True(t, ok)
	assert.Equal(t, policy.IntValue(12), v)

	// Global claim withdrawn: local claim takes over.
	changed := st.Resolve(nil)
	assert.True(t, changed)
	v, _ = st.Resolved()
	assert.Equal(t, policy.IntValue(8), v)
}

func TestState_ValueForReturnsOwnClaim(t *testing.T) {
	st := policy.NewState(policy.LargestInt())
	st.Add(adminA, policy.IntValue(6), nil)
	st.Add(adminB, policy.IntValue(10), nil)

	v, ok := st.ValueFor(adminA)
	require.True(t, ok)
	assert.Equal(t, policy.IntValue(6), v)

	_, ok = st.ValueFor(adminC)
	assert.False(t, ok)
}

func TestState_SetByAdminsIsACopy(t *testing.T) {
	st := policy.NewState(policy.LargestInt())
	st.Add(adminA, policy.IntValue(6), nil)

	claims := st.SetByAdmins()
	claims[adminB] = policy.IntValue(99)

	_, ok := st.ValueFor(adminB)
	assert.False(t, ok)
}

func TestSortAdmins_Deterministic(t *testing.T) {
	admins := []policy.EnforcingAdmin{adminC, adminB, adminA}
	policy.SortAdmins(admins)

	assert.Equal(t, []policy.EnforcingAdmin{adminA, adminC, adminB}, admins)
}
