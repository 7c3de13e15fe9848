package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mantle-labs/aegis/pkg/directory"
	"github.com/mantle-labs/aegis/pkg/engine"
	"github.com/mantle-labs/aegis/pkg/notify"
	"github.com/mantle-labs/aegis/pkg/policy"
	"github.com/mantle-labs/aegis/pkg/storage"
)

var (
	adminA = policy.EnforcingAdmin{PackageName: "com.acme.mdm", UserID: 0}
	adminB = policy.EnforcingAdmin{PackageName: "com.beta.mdm", UserID: 0}
)

// memStore is an in-memory storage.Store capturing every saved document.
type memStore struct {
	doc      *storage.Document
	saves    int
	failSave error
}

func (s *memStore) Save(doc *storage.Document) ([]byte, error) {
	if s.failSave != nil {
		return nil, s.failSave
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var copied storage.Document
	if err := json.Unmarshal(data, &copied); err != nil {
		return nil, err
	}
	s.doc = &copied
	s.saves++
	return data, nil
}

func (s *memStore) Load() (*storage.Document, error) {
	if s.doc == nil {
		return &storage.Document{Version: storage.FormatVersion}, nil
	}
	return s.doc, nil
}

// enforcement records every callback invocation for one policy kind.
type enforcement struct {
	values []policy.Value
	users  []int
	err    error
}

func (r *enforcement) callback(value policy.Value, userID int) error {
	r.values = append(r.values, value)
	r.users = append(r.users, userID)
	return r.err
}

type harness struct {
	engine   *engine.Engine
	registry *policy.Registry
	store    *memStore
	notifier *notify.Dispatcher
	camera   *policy.Definition
	passMin  *policy.Definition
	wifi     *policy.Definition
	enforced map[string]*enforcement
	received map[policy.EnforcingAdmin][]notify.Notification
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		registry: policy.NewRegistry(),
		store:    &memStore{},
		enforced: make(map[string]*enforcement),
		received: make(map[policy.EnforcingAdmin][]notify.Notification),
	}

	rec := func(key string) policy.EnforceFunc {
		r := &enforcement{}
		h.enforced[key] = r
		return r.callback
	}

	h.camera = policy.MustDefinition(policy.DefinitionConfig{
		Key:      "camera_disabled",
		Scope:    policy.ScopeLocal | policy.ScopeGlobal,
		Resolver: policy.MostRestrictiveBool(true),
		Codec:    policy.DecodeBool,
		Enforce:  rec("camera_disabled"),
	})
	h.passMin = policy.MustDefinition(policy.DefinitionConfig{
		Key:      "password_min_length",
		Scope:    policy.ScopeLocal,
		Resolver: policy.LargestInt(),
		Codec:    policy.DecodeInt,
		Enforce:  rec("password_min_length"),
	})
	h.wifi = policy.MustDefinition(policy.DefinitionConfig{
		Key:      "wifi_disabled",
		Scope:    policy.ScopeGlobal,
		Resolver: policy.MostRestrictiveBool(true),
		Codec:    policy.DecodeBool,
		Enforce:  rec("wifi_disabled"),
	})
	h.registry.MustRegister(h.camera, h.passMin, h.wifi)

	h.notifier = notify.NewDispatcher(slog.Default())
	for _, admin := range []policy.EnforcingAdmin{adminA, adminB} {
		admin := admin
		h.notifier.Register(notify.Receiver{
			Package:    admin.PackageName,
			UserID:     admin.UserID,
			Permission: notify.BindPermission,
			Handler: func(n notify.Notification) {
				h.received[admin] = append(h.received[admin], n)
			},
		})
	}

	users := directory.NewStatic()
	users.AddProfile(10, 0) // user 10 is a profile of user 0

	eng, err := engine.New(engine.Config{
		Registry:  h.registry,
		Store:     h.store,
		Notifier:  h.notifier,
		Directory: users,
	})
	require.NoError(t, err)
	h.engine = eng
	return h
}

func (h *harness) notifications(admin policy.EnforcingAdmin, kind notify.Kind) []notify.Notification {
	var out []notify.Notification
	for _, n := range h.received[admin] {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

func TestSetLocalThenResolve(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.engine.SetLocal(h.camera, adminA, policy.BoolValue(true), 0))

	v, ok := h.engine.Resolved(h.camera, 0)
	require.True(t, ok)
	assert.Equal(t, policy.BoolValue(true), v)

	own, ok := h.engine.LocalSetByAdmin(h.camera, adminA, 0)
	require.True(t, ok)
	assert.Equal(t, policy.BoolValue(true), own)

	// Other users are untouched.
	_, ok = h.engine.Resolved(h.camera, 5)
	assert.False(t, ok)
}

func TestSetLocal_ArgumentValidation(t *testing.T) {
	h := newHarness(t)

	err := h.engine.SetLocal(nil, adminA, policy.BoolValue(true), 0)
	assert.ErrorIs(t, err, policy.ErrNilArgument)

	err = h.engine.SetLocal(h.camera, policy.EnforcingAdmin{}, policy.BoolValue(true), 0)
	assert.ErrorIs(t, err, policy.ErrNilArgument)

	err = h.engine.SetLocal(h.camera, adminA, nil, 0)
	assert.ErrorIs(t, err, policy.ErrNilArgument)

	// Scope violations never mutate state or persist.
	saves := h.store.saves
	err = h.engine.SetLocal(h.wifi, adminA, policy.BoolValue(true), 0)
	assert.ErrorIs(t, err, policy.ErrScopeViolation)
	assert.Equal(t, saves, h.store.saves)

	err = h.engine.SetGlobal(h.passMin, adminA, policy.IntValue(8))
	assert.ErrorIs(t, err, policy.ErrScopeViolation)
}

// TestEnforcementReceivesResolvedValue verifies the enforcement callback
// gets the resolved value and the affected user.
func TestEnforcementReceivesResolvedValue(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.engine.SetLocal(h.camera, adminA, policy.BoolValue(true), 5))

	rec := h.enforced["camera_disabled"]
	require.Len(t, rec.values, 1)
	assert.Equal(t, policy.BoolValue(true), rec.values[0])
	assert.Equal(t, []int{5}, rec.users)
}

func TestEnforcementErrorDoesNotFailOperation(t *testing.T) {
	h := newHarness(t)
	h.enforced["camera_disabled"].err = errors.New("subsystem unavailable")

	assert.NoError(t, h.engine.SetLocal(h.camera, adminA, policy.BoolValue(true), 0))

	v, ok := h.engine.Resolved(h.camera, 0)
	require.True(t, ok)
	assert.Equal(t, policy.BoolValue(true), v)
}

func TestSetResult_SuccessWhenValueWins(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.engine.SetLocal(h.camera, adminA, policy.BoolValue(true), 0))

	results := h.notifications(adminA, notify.KindSetResult)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, "camera_disabled", results[0].PolicyKey)
	assert.Equal(t, notify.TargetLocalUser, results[0].TargetUser)
	assert.Empty(t, results[0].Reason)
}

// TestSetResult_ConflictLoses verifies an admin whose value lost the
// resolution is told so, with the conflicting-admin reason attached.
func TestSetResult_ConflictLoses(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.engine.SetLocal(h.camera, adminA, policy.BoolValue(true), 0))
	require.NoError(t, h.engine.SetLocal(h.camera, adminB, policy.BoolValue(false), 0))

	// The restrictive claim holds; adminB's request did not take effect.
	v, _ := h.engine.Resolved(h.camera, 0)
	assert.Equal(t, policy.BoolValue(true), v)

	results := h.notifications(adminB, notify.KindSetResult)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, notify.ReasonConflictingAdminPolicy, results[0].Reason)
}

// TestChangedBroadcastExcludesCaller verifies that when a second admin's
// claim changes the resolution, existing claim holders hear about it but
// the caller only gets its set result.
func TestChangedBroadcastExcludesCaller(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.engine.SetLocal(h.passMin, adminA, policy.IntValue(8), 0))
	require.NoError(t, h.engine.SetLocal(h.passMin, adminB, policy.IntValue(12), 0))

	changedA := h.notifications(adminA, notify.KindPolicyChanged)
	require.Len(t, changedA, 1)
	assert.Equal(t, "password_min_length", changedA[0].PolicyKey)
	assert.Equal(t, notify.TargetLocalUser, changedA[0].TargetUser)

	assert.Empty(t, h.notifications(adminB, notify.KindPolicyChanged))
	assert.Len(t, h.notifications(adminB, notify.KindSetResult), 1)
}

// TestNoChangeNoBroadcast verifies an ineffective set produces no
// policy-changed notifications.
func TestNoChangeNoBroadcast(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.engine.SetLocal(h.camera, adminA, policy.BoolValue(true), 0))
	require.NoError(t, h.engine.SetLocal(h.camera, adminB, policy.BoolValue(false), 0))

	assert.Empty(t, h.notifications(adminA, notify.KindPolicyChanged))
}

func TestRemoveLocal_NoopWhenAbsent(t *testing.T) {
	h := newHarness(t)

	saves := h.store.saves
	require.NoError(t, h.engine.RemoveLocal(h.camera, adminA, 0))

	// Nothing existed: no write, no notifications, no enforcement.
	assert.Equal(t, saves, h.store.saves)
	assert.Empty(t, h.received[adminA])
	assert.Empty(t, h.enforced["camera_disabled"].values)
}

func TestRemoveLocal_LastClaimPrunesState(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.engine.SetLocal(h.camera, adminA, policy.BoolValue(true), 0))
	require.NoError(t, h.engine.RemoveLocal(h.camera, adminA, 0))

	_, ok := h.engine.Resolved(h.camera, 0)
	assert.False(t, ok)

	// The pruned state is gone from the persisted document too.
	assert.Empty(t, h.store.doc.Local)

	// Enforcement saw the clear as a nil value.
	rec := h.enforced["camera_disabled"]
	require.Len(t, rec.values, 2)
	assert.Nil(t, rec.values[1])

	results := h.notifications(adminA, notify.KindSetResult)
	require.Len(t, results, 2)
	assert.True(t, results[1].Success)
}

func TestRemoveLocal_SurvivingClaimTakesOver(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.engine.SetLocal(h.passMin, adminA, policy.IntValue(12), 0))
	require.NoError(t, h.engine.SetLocal(h.passMin, adminB, policy.IntValue(8), 0))
	require.NoError(t, h.engine.RemoveLocal(h.passMin, adminA, 0))

	v, ok := h.engine.Resolved(h.passMin, 0)
	require.True(t, ok)
	assert.Equal(t, policy.IntValue(8), v)

	// adminA's remove did not clear the policy, so it reads as not enforced.
	results := h.notifications(adminA, notify.KindSetResult)
	require.Len(t, results, 2)
	assert.False(t, results[1].Success)
}

// TestGlobalFansOutToLocalStates verifies a global set re-resolves every
// user holding a local state for the same key, and that removal falls the
// users back to their local claims.
func TestGlobalFansOutToLocalStates(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.engine.SetLocal(h.camera, adminA, policy.BoolValue(false), 1))
	require.NoError(t, h.engine.SetLocal(h.camera, adminA, policy.BoolValue(false), 2))
	require.NoError(t, h.engine.SetGlobal(h.camera, adminB, policy.BoolValue(true)))

	for _, userID := range []int{1, 2} {
		v, ok := h.engine.Resolved(h.camera, userID)
		require.True(t, ok, "user %d", userID)
		assert.Equal(t, policy.BoolValue(true), v, "user %d", userID)
	}

	// A user with no local state reads the global resolution directly.
	v, ok := h.engine.Resolved(h.camera, 7)
	require.True(t, ok)
	assert.Equal(t, policy.BoolValue(true), v)

	require.NoError(t, h.engine.RemoveGlobal(h.camera, adminB))

	for _, userID := range []int{1, 2} {
		v, ok := h.engine.Resolved(h.camera, userID)
		require.True(t, ok, "user %d", userID)
		assert.Equal(t, policy.BoolValue(false), v, "user %d", userID)
	}
	_, ok = h.engine.Resolved(h.camera, 7)
	assert.False(t, ok)
}

// TestSetGlobal_ResultAccountsForLocalStates verifies the global caller's
// set result reflects whether the value took effect on every user.
func TestSetGlobal_ResultAccountsForLocalStates(t *testing.T) {
	h := newHarness(t)

	// adminA holds a restrictive local claim on user 1.
	require.NoError(t, h.engine.SetLocal(h.camera, adminA, policy.BoolValue(true), 1))

	// adminB asks for the permissive value globally; user 1 keeps the
	// restrictive resolution, so the request is not fully enforced.
	require.NoError(t, h.engine.SetGlobal(h.camera, adminB, policy.BoolValue(false)))

	results := h.notifications(adminB, notify.KindSetResult)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, notify.TargetGlobal, results[0].TargetUser)
}

func TestSetGlobal_GlobalOnlyPolicy(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.engine.SetGlobal(h.wifi, adminA, policy.BoolValue(true)))

	v, ok := h.engine.Resolved(h.wifi, 3)
	require.True(t, ok)
	assert.Equal(t, policy.BoolValue(true), v)

	rec := h.enforced["wifi_disabled"]
	require.Len(t, rec.values, 1)
	assert.Equal(t, []int{engine.UserAll}, rec.users)

	results := h.notifications(adminA, notify.KindSetResult)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
}

// TestLoadRoundTrip verifies a second engine reading the same store
// reconstructs identical resolutions, including the global fold-in.
func TestLoadRoundTrip(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.engine.SetLocal(h.camera, adminA, policy.BoolValue(false), 1))
	require.NoError(t, h.engine.SetGlobal(h.camera, adminB, policy.BoolValue(true)))
	require.NoError(t, h.engine.SetLocal(h.passMin, adminA, policy.IntValue(10), 1))

	restored, err := engine.New(engine.Config{Registry: h.registry, Store: h.store})
	require.NoError(t, err)
	require.NoError(t, restored.Load())

	v, ok := restored.Resolved(h.camera, 1)
	require.True(t, ok)
	assert.Equal(t, policy.BoolValue(true), v)

	v, ok = restored.Resolved(h.passMin, 1)
	require.True(t, ok)
	assert.Equal(t, policy.IntValue(10), v)

	own, ok := restored.LocalSetByAdmin(h.camera, adminA, 1)
	require.True(t, ok)
	assert.Equal(t, policy.BoolValue(false), own)

	// Loading must not re-run enforcement.
	enforcedBefore := len(h.enforced["camera_disabled"].values)
	require.NoError(t, restored.Load())
	assert.Len(t, h.enforced["camera_disabled"].values, enforcedBefore)
}

// TestLoadSkipsUnknownPolicyKinds verifies entries for unregistered keys
// are dropped without failing the load.
func TestLoadSkipsUnknownPolicyKinds(t *testing.T) {
	h := newHarness(t)

	h.store.doc = &storage.Document{
		Version: storage.FormatVersion,
		Local: []storage.LocalEntry{
			{
				UserID: 0,
				Key:    "retired_policy",
				Claims: []storage.ClaimEntry{{Admin: adminA, Value: json.RawMessage(`true`)}},
			},
			{
				UserID: 0,
				Key:    "camera_disabled",
				Claims: []storage.ClaimEntry{{Admin: adminA, Value: json.RawMessage(`true`)}},
			},
			{
				// Undecodable claim: whole entry is skipped.
				UserID: 0,
				Key:    "password_min_length",
				Claims: []storage.ClaimEntry{{Admin: adminA, Value: json.RawMessage(`"eight"`)}},
			},
		},
	}

	require.NoError(t, h.engine.Load())

	v, ok := h.engine.Resolved(h.camera, 0)
	require.True(t, ok)
	assert.Equal(t, policy.BoolValue(true), v)

	_, ok = h.engine.Resolved(h.passMin, 0)
	assert.False(t, ok)
}

// recordingMirror captures every pushed document.
type recordingMirror struct {
	data   [][]byte
	hashes []string
	err    error
}

func (m *recordingMirror) Name() string { return "recording" }

func (m *recordingMirror) Push(_ context.Context, data []byte, contentHash string) error {
	if m.err != nil {
		return m.err
	}
	m.data = append(m.data, data)
	m.hashes = append(m.hashes, contentHash)
	return nil
}

// TestMirrorsReceiveEveryPersistedDocument verifies mirrors get the exact
// bytes of each successful durable write together with the content hash.
func TestMirrorsReceiveEveryPersistedDocument(t *testing.T) {
	h := newHarness(t)
	mirror := &recordingMirror{}

	eng, err := engine.New(engine.Config{
		Registry: h.registry,
		Store:    h.store,
		Mirrors:  []storage.Mirror{mirror},
	})
	require.NoError(t, err)

	require.NoError(t, eng.SetLocal(h.camera, adminA, policy.BoolValue(true), 0))
	require.NoError(t, eng.RemoveLocal(h.camera, adminA, 0))

	require.Len(t, mirror.data, 2)
	require.Len(t, mirror.hashes, 2)

	var doc storage.Document
	require.NoError(t, json.Unmarshal(mirror.data[0], &doc))
	assert.Equal(t, doc.ContentHash, mirror.hashes[0])
	require.Len(t, doc.Local, 1)
	assert.Equal(t, "camera_disabled", doc.Local[0].Key)
}

// TestMirrorFailureDoesNotFailMutation verifies a broken mirror is
// best-effort only.
func TestMirrorFailureDoesNotFailMutation(t *testing.T) {
	h := newHarness(t)
	mirror := &recordingMirror{err: errors.New("bucket gone")}

	eng, err := engine.New(engine.Config{
		Registry: h.registry,
		Store:    h.store,
		Mirrors:  []storage.Mirror{mirror},
	})
	require.NoError(t, err)

	require.NoError(t, eng.SetLocal(h.camera, adminA, policy.BoolValue(true), 0))

	// The durable write still happened.
	require.NotNil(t, h.store.doc)
	v, ok := eng.Resolved(h.camera, 0)
	require.True(t, ok)
	assert.Equal(t, policy.BoolValue(true), v)
}

// TestPersistFailureKeepsMemoryAuthoritative verifies a failed durable
// write does not fail the mutation or lose in-memory state.
func TestPersistFailureKeepsMemoryAuthoritative(t *testing.T) {
	h := newHarness(t)
	h.store.failSave = errors.New("disk full")

	require.NoError(t, h.engine.SetLocal(h.camera, adminA, policy.BoolValue(true), 0))

	v, ok := h.engine.Resolved(h.camera, 0)
	require.True(t, ok)
	assert.Equal(t, policy.BoolValue(true), v)
	assert.Nil(t, h.store.doc)
}

// TestTargetUserClassification verifies notification targeting for an
// admin on a profile's parent user.
func TestTargetUserClassification(t *testing.T) {
	h := newHarness(t)

	// adminB's user is 0; user 10 is a profile of user 0. Setting on user 10
	// from adminA changes a state adminB has a claim on.
	adminOnProfile := policy.EnforcingAdmin{PackageName: "com.beta.mdm", UserID: 10}
	var gotTargets []notify.TargetUser
	h.notifier.Register(notify.Receiver{
		Package:    adminOnProfile.PackageName,
		UserID:     adminOnProfile.UserID,
		Permission: notify.BindPermission,
		Handler: func(n notify.Notification) {
			gotTargets = append(gotTargets, n.TargetUser)
		},
	})

	require.NoError(t, h.engine.SetLocal(h.passMin, adminOnProfile, policy.IntValue(6), 0))

	// The set targets user 0, which is the profile parent of the admin's
	// user 10.
	require.NotEmpty(t, gotTargets)
	assert.Equal(t, notify.TargetParentUser, gotTargets[len(gotTargets)-1])
}

func TestPersistedDocumentShape(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.engine.SetLocal(h.camera, adminA, policy.BoolValue(true), 0))
	require.NoError(t, h.engine.SetGlobal(h.wifi, adminB, policy.BoolValue(true)))

	doc := h.store.doc
	require.NotNil(t, doc)
	assert.Equal(t, storage.FormatVersion, doc.Version)
	assert.NotEmpty(t, doc.ContentHash)

	require.Len(t, doc.Local, 1)
	assert.Equal(t, "camera_disabled", doc.Local[0].Key)
	assert.Equal(t, 0, doc.Local[0].UserID)
	require.Len(t, doc.Local[0].Claims, 1)
	assert.Equal(t, adminA, doc.Local[0].Claims[0].Admin)
	assert.JSONEq(t, `true`, string(doc.Local[0].Claims[0].Value))

	require.Len(t, doc.Global, 1)
	assert.Equal(t, "wifi_disabled", doc.Global[0].Key)
}
