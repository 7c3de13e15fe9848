// Package engine is the single source of truth for which policy value
// currently applies. It owns the per-user and global policy maps, resolves
// conflicts between admins, applies enforcement side effects, notifies
// affected admins, and persists the full policy map write-through after
// every mutating call.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mantle-labs/aegis/pkg/audit"
	"github.com/mantle-labs/aegis/pkg/directory"
	"github.com/mantle-labs/aegis/pkg/notify"
	"github.com/mantle-labs/aegis/pkg/observability"
	"github.com/mantle-labs/aegis/pkg/policy"
	"github.com/mantle-labs/aegis/pkg/storage"
)

// UserAll targets every user on the device; used for global enforcement.
const UserAll = -1

// Config wires the engine's collaborators. Registry and Store are
// required; the rest are optional.
type Config struct {
	Registry  *policy.Registry
	Store     storage.Store
	Mirrors   []storage.Mirror
	Notifier  *notify.Dispatcher
	Directory directory.Directory
	Audit     *audit.Log
	Metrics   *observability.EngineMetrics
	Logger    *slog.Logger
}

// Engine orchestrates policy state. One coarse lock guards both policy
// maps; every mutating call runs end-to-end under it, including the
// enforcement callbacks, notification dispatch, and the durable write.
type Engine struct {
	registry *policy.Registry
	store    storage.Store
	mirrors  []storage.Mirror
	notifier *notify.Dispatcher
	dir      directory.Directory
	auditLog *audit.Log
	metrics  *observability.EngineMetrics
	logger   *slog.Logger

	mu sync.Mutex
	// local: userId -> policyKey -> state
	local map[int]map[string]*policy.State
	// global: policyKey -> state
	global map[string]*policy.State
}

// New creates an Engine. Call Load before serving reads if durable state
// may exist.
func New(cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("%w: registry", policy.ErrNilArgument)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: store", policy.ErrNilArgument)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		registry: cfg.Registry,
		store:    cfg.Store,
		mirrors:  cfg.Mirrors,
		notifier: cfg.Notifier,
		dir:      cfg.Directory,
		auditLog: cfg.Audit,
		metrics:  cfg.Metrics,
		logger:   logger.With("component", "engine"),
		local:    make(map[int]map[string]*policy.State),
		global:   make(map[string]*policy.State),
	}, nil
}

// SetLocal records admin's claim for def on userID and re-resolves. On a
// resolved-value change it enforces the new value and notifies the other
// admins with claims on the affected states. The caller always receives a
// set-result notification, and the policy map is always persisted.
func (e *Engine) SetLocal(def *policy.Definition, admin policy.EnforcingAdmin, value policy.Value, userID int) error {
	if err := checkArgs(def, admin); err != nil {
		return err
	}
	if value == nil {
		return fmt.Errorf("%w: value", policy.ErrNilArgument)
	}
	if !def.AppliesLocally() {
		return fmt.Errorf("%w: %q is a global-only policy", policy.ErrScopeViolation, def.Key())
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.localStateLocked(def, userID)

	var changed bool
	if e.hasGlobalLocked(def) {
		changed = st.Add(admin, value, e.global[def.Key()].SetByAdmins())
	} else {
		changed = st.Add(admin, value, nil)
	}

	if changed {
		e.onLocalChangedLocked(def, admin, userID)
	}

	resolved, _ := st.Resolved()
	enforced := policy.ValuesEqual(resolved, value)
	e.sendSetResultLocked(def, admin, enforced, userID)

	e.recordAuditLocked(audit.EntryTypePolicySet, def, admin, "local", userID)
	e.metrics.RecordSet(context.Background(), "local")
	e.persistLocked()
	return nil
}

// RemoveLocal deletes admin's claim for def on userID. When no local state
// exists the call is a no-op: no enforcement, no notification, no write.
func (e *Engine) RemoveLocal(def *policy.Definition, admin policy.EnforcingAdmin, userID int) error {
	if err := checkArgs(def, admin); err != nil {
		return err
	}
	if !def.AppliesLocally() {
		return fmt.Errorf("%w: %q is a global-only policy", policy.ErrScopeViolation, def.Key())
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.hasLocalLocked(def, userID) {
		return nil
	}
	st := e.local[userID][def.Key()]

	var changed bool
	if e.hasGlobalLocked(def) {
		changed = st.Remove(admin, e.global[def.Key()].SetByAdmins())
	} else {
		changed = st.Remove(admin, nil)
	}

	if changed {
		e.onLocalChangedLocked(def, admin, userID)
	}

	// A remove is enforced when no policy remains in effect.
	_, stillSet := st.Resolved()
	e.sendSetResultLocked(def, admin, !stillSet, userID)

	if st.Empty() {
		e.removeLocalStateLocked(def, userID)
	}

	e.recordAuditLocked(audit.EntryTypePolicyRemove, def, admin, "local", userID)
	e.metrics.RecordRemove(context.Background(), "local")
	e.persistLocked()
	return nil
}

// SetGlobal records admin's claim for def on the device-global state, then
// re-resolves every user that holds a local state for the same key. The
// result reported to the caller is successful only if the global
// resolution and every per-user local resolution match the request.
func (e *Engine) SetGlobal(def *policy.Definition, admin policy.EnforcingAdmin, value policy.Value) error {
	if err := checkArgs(def, admin); err != nil {
		return err
	}
	if value == nil {
		return fmt.Errorf("%w: value", policy.ErrNilArgument)
	}
	if !def.AppliesGlobally() {
		return fmt.Errorf("%w: %q is a local-only policy", policy.ErrScopeViolation, def.Key())
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.globalStateLocked(def)
	changed := st.Add(admin, value, nil)
	if changed {
		e.onGlobalChangedLocked(def, admin)
	}

	enforcedOnAllUsers := e.applyGlobalToLocalsLocked(def, admin, value)
	resolved, _ := st.Resolved()
	enforcedGlobally := policy.ValuesEqual(resolved, value)

	e.sendSetResultLocked(def, admin, enforcedGlobally && enforcedOnAllUsers, UserAll)

	e.recordAuditLocked(audit.EntryTypePolicySet, def, admin, "global", UserAll)
	e.metrics.RecordSet(context.Background(), "global")
	e.persistLocked()
	return nil
}

// RemoveGlobal deletes admin's claim from the device-global state and
// re-resolves every user with a local state for the same key.
func (e *Engine) RemoveGlobal(def *policy.Definition, admin policy.EnforcingAdmin) error {
	if err := checkArgs(def, admin); err != nil {
		return err
	}
	if !def.AppliesGlobally() {
		return fmt.Errorf("%w: %q is a local-only policy", policy.ErrScopeViolation, def.Key())
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.globalStateLocked(def)
	changed := st.Remove(admin, nil)
	if changed {
		e.onGlobalChangedLocked(def, admin)
	}

	enforcedOnAllUsers := e.applyGlobalToLocalsLocked(def, admin, nil)
	_, stillSet := st.Resolved()

	e.sendSetResultLocked(def, admin, !stillSet && enforcedOnAllUsers, UserAll)

	if st.Empty() {
		delete(e.global, def.Key())
	}

	e.recordAuditLocked(audit.EntryTypePolicyRemove, def, admin, "global", UserAll)
	e.metrics.RecordRemove(context.Background(), "global")
	e.persistLocked()
	return nil
}

// Resolved returns the effective value for def on userID. A local state
// takes precedence over the global one; absence of both means no policy is
// in effect. Pure read, no side effects.
func (e *Engine) Resolved(def *policy.Definition, userID int) (policy.Value, bool) {
	if def == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.hasLocalLocked(def, userID) {
		return e.local[userID][def.Key()].Resolved()
	}
	if e.hasGlobalLocked(def) {
		return e.global[def.Key()].Resolved()
	}
	return nil, false
}

// LocalSetByAdmin returns the value admin itself requested locally for def
// on userID, regardless of what the conflict resolution settled on.
func (e *Engine) LocalSetByAdmin(def *policy.Definition, admin policy.EnforcingAdmin, userID int) (policy.Value, bool) {
	if def == nil || admin.IsZero() {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.hasLocalLocked(def, userID) {
		return nil, false
	}
	return e.local[userID][def.Key()].ValueFor(admin)
}

// --- change propagation ---

// onLocalChangedLocked enforces the new resolved value for userID and
// notifies the admins holding claims on the local state and, when one
// exists, the same-key global state. The calling admin is excluded; it
// gets a distinct set-result notification instead.
func (e *Engine) onLocalChangedLocked(def *policy.Definition, caller policy.EnforcingAdmin, userID int) {
	st := e.local[userID][def.Key()]
	resolved, _ := st.Resolved()
	e.enforceLocked(def, resolved, userID)

	e.notifyChangedLocked(st.SetByAdmins(), caller, def, userID)
	if e.hasGlobalLocked(def) {
		e.notifyChangedLocked(e.global[def.Key()].SetByAdmins(), caller, def, userID)
	}
}

// onGlobalChangedLocked enforces the new global resolved value device-wide
// and notifies the global claim holders.
func (e *Engine) onGlobalChangedLocked(def *policy.Definition, caller policy.EnforcingAdmin) {
	st := e.global[def.Key()]
	resolved, _ := st.Resolved()
	e.enforceLocked(def, resolved, UserAll)

	e.notifyChangedLocked(st.SetByAdmins(), caller, def, UserAll)
}

// applyGlobalToLocalsLocked re-resolves the local state of every user that
// has one for def's key, folding in the (possibly changed) global claims.
// Global-only policies have no local states and are exempt. Reports
// whether every user's local resolution ended up equal to value (nil for a
// removal).
func (e *Engine) applyGlobalToLocalsLocked(def *policy.Definition, caller policy.EnforcingAdmin, value policy.Value) bool {
	if def.GlobalOnly() {
		return true
	}

	enforcedEverywhere := true
	for _, userID := range e.localUserIDsLocked() {
		if !e.hasLocalLocked(def, userID) {
			continue
		}
		st := e.local[userID][def.Key()]

		var globalClaims map[policy.EnforcingAdmin]policy.Value
		if e.hasGlobalLocked(def) {
			globalClaims = e.global[def.Key()].SetByAdmins()
		}

		if st.Resolve(globalClaims) {
			resolved, _ := st.Resolved()
			e.enforceLocked(def, resolved, userID)
			// Admins who set the policy locally only care about the local
			// user's state, even though the trigger was global.
			e.notifyChangedLocked(st.SetByAdmins(), caller, def, userID)
		}

		resolved, _ := st.Resolved()
		enforcedEverywhere = enforcedEverywhere && policy.ValuesEqual(value, resolved)
	}
	return enforcedEverywhere
}

// enforceLocked applies a resolved value through the definition's
// callback. A nil value means the policy was cleared. Callback failures
// are logged and do not affect the result reported to the caller.
func (e *Engine) enforceLocked(def *policy.Definition, value policy.Value, userID int) {
	if err := def.Enforce(value, userID); err != nil {
		e.logger.Error("policy enforcement failed",
			"policy_key", def.Key(), "user_id", userID, "error", err)
	}
}

func (e *Engine) notifyChangedLocked(claims map[policy.EnforcingAdmin]policy.Value, caller policy.EnforcingAdmin, def *policy.Definition, userID int) {
	if e.notifier == nil {
		return
	}
	admins := make([]policy.EnforcingAdmin, 0, len(claims))
	for a := range claims {
		admins = append(admins, a)
	}
	policy.SortAdmins(admins)

	for _, a := range admins {
		// The calling admin gets a separate set-result notification.
		if a == caller {
			continue
		}
		e.notifier.SendPolicyChanged(a, def.Key(), def.CallbackArgs(),
			e.targetUser(a.UserID, userID), notify.ReasonConflictingAdminPolicy)
	}
}

func (e *Engine) sendSetResultLocked(def *policy.Definition, admin policy.EnforcingAdmin, success bool, userID int) {
	if e.notifier == nil {
		return
	}
	e.notifier.SendSetResult(admin, def.Key(), def.CallbackArgs(),
		e.targetUser(admin.UserID, userID), success, notify.ReasonConflictingAdminPolicy)
}

// targetUser classifies targetUserID relative to the admin receiving a
// notification.
func (e *Engine) targetUser(adminUserID, targetUserID int) notify.TargetUser {
	if targetUserID == UserAll {
		return notify.TargetGlobal
	}
	if adminUserID == targetUserID {
		return notify.TargetLocalUser
	}
	if directory.ParentOrSelf(e.dir, adminUserID) == targetUserID {
		return notify.TargetParentUser
	}
	return notify.TargetUnknown
}

// --- state accessors (must hold e.mu) ---

// hasLocalLocked reports whether a non-empty local state exists for def on
// userID.
func (e *Engine) hasLocalLocked(def *policy.Definition, userID int) bool {
	if def.GlobalOnly() {
		return false
	}
	states, ok := e.local[userID]
	if !ok {
		return false
	}
	st, ok := states[def.Key()]
	return ok && !st.Empty()
}

// hasGlobalLocked reports whether a non-empty global state exists for def.
func (e *Engine) hasGlobalLocked(def *policy.Definition) bool {
	if def.LocalOnly() {
		return false
	}
	st, ok := e.global[def.Key()]
	return ok && !st.Empty()
}

// localStateLocked returns def's state for userID, creating it lazily.
func (e *Engine) localStateLocked(def *policy.Definition, userID int) *policy.State {
	states, ok := e.local[userID]
	if !ok {
		states = make(map[string]*policy.State)
		e.local[userID] = states
	}
	st, ok := states[def.Key()]
	if !ok {
		st = policy.NewState(def.Resolver())
		states[def.Key()] = st
	}
	return st
}

func (e *Engine) removeLocalStateLocked(def *policy.Definition, userID int) {
	states, ok := e.local[userID]
	if !ok {
		return
	}
	delete(states, def.Key())
	if len(states) == 0 {
		delete(e.local, userID)
	}
}

// globalStateLocked returns def's global state, creating it lazily.
func (e *Engine) globalStateLocked(def *policy.Definition) *policy.State {
	st, ok := e.global[def.Key()]
	if !ok {
		st = policy.NewState(def.Resolver())
		e.global[def.Key()] = st
	}
	return st
}

func (e *Engine) localUserIDsLocked() []int {
	ids := make([]int, 0, len(e.local))
	for id := range e.local {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func checkArgs(def *policy.Definition, admin policy.EnforcingAdmin) error {
	if def == nil {
		return fmt.Errorf("%w: definition", policy.ErrNilArgument)
	}
	if admin.IsZero() {
		return fmt.Errorf("%w: admin", policy.ErrNilArgument)
	}
	return nil
}

// --- persistence ---

// persistLocked serializes the full policy map to the durable store and
// pushes the written bytes to the mirrors. A failed write is logged and
// leaves the previous durable copy intact; the in-memory state stays
// authoritative until the next successful write.
func (e *Engine) persistLocked() {
	start := time.Now()
	doc := e.snapshotLocked()

	hash, err := doc.ComputeHash()
	if err != nil {
		e.logger.Error("computing policy document hash failed", "error", err)
	} else {
		doc.ContentHash = hash
	}

	data, err := e.store.Save(doc)
	e.metrics.RecordPersist(context.Background(), time.Since(start).Seconds(), err)
	if err != nil {
		e.logger.Error("writing policy document failed, durable copy left intact", "error", err)
		return
	}

	for _, m := range e.mirrors {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.Push(ctx, data, doc.ContentHash); err != nil {
			e.logger.Warn("policy document mirror push failed",
				"mirror", m.Name(), "error", err)
		}
		cancel()
	}
}

// snapshotLocked builds the serialized form of both policy maps with
// deterministic entry and claim ordering.
func (e *Engine) snapshotLocked() *storage.Document {
	doc := &storage.Document{Version: storage.FormatVersion}

	for _, userID := range e.localUserIDsLocked() {
		for _, key := range sortedKeys(e.local[userID]) {
			doc.Local = append(doc.Local, storage.LocalEntry{
				UserID: userID,
				Key:    key,
				Claims: serializeClaims(e.local[userID][key]),
			})
		}
	}
	for _, key := range sortedKeys(e.global) {
		doc.Global = append(doc.Global, storage.GlobalEntry{
			Key:    key,
			Claims: serializeClaims(e.global[key]),
		})
	}
	return doc
}

func sortedKeys(states map[string]*policy.State) []string {
	keys := make([]string, 0, len(states))
	for k := range states {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func serializeClaims(st *policy.State) []storage.ClaimEntry {
	claims := st.SetByAdmins()
	admins := make([]policy.EnforcingAdmin, 0, len(claims))
	for a := range claims {
		admins = append(admins, a)
	}
	policy.SortAdmins(admins)

	out := make([]storage.ClaimEntry, 0, len(admins))
	for _, a := range admins {
		raw, err := claims[a].MarshalJSON()
		if err != nil {
			// Values are plain data; a marshal failure here is a
			// programming error in the value kind.
			continue
		}
		out = append(out, storage.ClaimEntry{Admin: a, Value: raw})
	}
	return out
}

// Load clears the in-memory policy maps and repopulates them from the
// durable store. Entries referencing unknown policy kinds or carrying
// undecodable claims are logged and skipped; a missing file yields empty
// maps. Resolution is recomputed (locals folded with the loaded global
// claims) but enforcement callbacks are not invoked.
func (e *Engine) Load() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.local = make(map[int]map[string]*policy.State)
	e.global = make(map[string]*policy.State)

	doc, err := e.store.Load()
	if err != nil {
		e.logger.Error("loading policy document failed, starting empty", "error", err)
		return fmt.Errorf("load policy document: %w", err)
	}

	for _, entry := range doc.Global {
		st, ok := e.buildStateLocked(entry.Key, entry.Claims)
		if !ok {
			continue
		}
		e.global[entry.Key] = st
	}
	for _, entry := range doc.Local {
		st, ok := e.buildStateLocked(entry.Key, entry.Claims)
		if !ok {
			continue
		}
		states, exists := e.local[entry.UserID]
		if !exists {
			states = make(map[string]*policy.State)
			e.local[entry.UserID] = states
		}
		states[entry.Key] = st
	}

	// Fold global claims into each local state's resolution now that both
	// maps are populated.
	for _, states := range e.local {
		for key, st := range states {
			if gst, ok := e.global[key]; ok && !gst.Empty() {
				st.Resolve(gst.SetByAdmins())
			}
		}
	}

	if e.auditLog != nil {
		if _, err := e.auditLog.Append(audit.EntryTypeLoad, "engine", "policies_loaded",
			map[string]int{"local_entries": len(doc.Local), "global_entries": len(doc.Global)}); err != nil {
			e.logger.Warn("audit append failed", "error", err)
		}
	}
	return nil
}

// buildStateLocked reconstructs one state from persisted claims. Reports
// false when the entry must be skipped.
func (e *Engine) buildStateLocked(key string, claims []storage.ClaimEntry) (*policy.State, bool) {
	def, ok := e.registry.Get(key)
	if !ok {
		e.logger.Warn("skipping persisted entry for unknown policy kind", "policy_key", key)
		return nil, false
	}
	if len(claims) == 0 {
		e.logger.Warn("skipping persisted entry with no claims", "policy_key", key)
		return nil, false
	}

	st := policy.NewState(def.Resolver())
	for _, c := range claims {
		v, err := def.Decode(c.Value)
		if err != nil {
			e.logger.Warn("skipping persisted entry with undecodable claim",
				"policy_key", key, "admin", c.Admin.String(), "error", err)
			return nil, false
		}
		st.Add(c.Admin, v, nil)
	}
	return st, true
}

func (e *Engine) recordAuditLocked(entryType audit.EntryType, def *policy.Definition, admin policy.EnforcingAdmin, scope string, userID int) {
	if e.auditLog == nil {
		return
	}
	payload := map[string]interface{}{
		"policy_key": def.Key(),
		"scope":      scope,
		"user_id":    userID,
	}
	if _, err := e.auditLog.Append(entryType, admin.String(), string(entryType), payload); err != nil {
		e.logger.Warn("audit append failed", "policy_key", def.Key(), "error", err)
	}
}
