package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mantle-labs/aegis/pkg/policy"
)

// Receiver is a registered notification endpoint for one admin package on
// one user. Permission must equal BindPermission or deliveries are skipped.
type Receiver struct {
	Package    string
	UserID     int
	Permission string
	Handler    func(Notification)
}

// Transport fans notifications out to an external channel (ops bus,
// message broker). Transports see every notification regardless of
// receiver resolution.
type Transport interface {
	Name() string
	Publish(ctx context.Context, n Notification) error
}

type receiverKey struct {
	pkg    string
	userID int
}

// Dispatcher resolves receivers by (package, user) and delivers
// notifications fire-and-forget.
type Dispatcher struct {
	mu         sync.RWMutex
	receivers  map[receiverKey][]Receiver
	transports []Transport
	logger     *slog.Logger
}

// NewDispatcher creates a Dispatcher logging through logger.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		receivers: make(map[receiverKey][]Receiver),
		logger:    logger,
	}
}

// Register adds a receiver for its (package, user) pair.
func (d *Dispatcher) Register(r Receiver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := receiverKey{pkg: r.Package, userID: r.UserID}
	d.receivers[key] = append(d.receivers[key], r)
}

// AddTransport attaches an external fan-out transport.
func (d *Dispatcher) AddTransport(t Transport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transports = append(d.transports, t)
}

// SendSetResult delivers the result of a set/remove request to the calling
// admin. reason is attached only on failure.
func (d *Dispatcher) SendSetResult(admin policy.EnforcingAdmin, key string, args map[string]string, target TargetUser, success bool, reason Reason) {
	n := newNotification(KindSetResult, admin, key, args, target)
	n.Success = success
	if !success {
		n.Reason = reason
	}
	d.deliver(admin, n)
}

// SendPolicyChanged delivers a policy-changed broadcast to one admin.
func (d *Dispatcher) SendPolicyChanged(admin policy.EnforcingAdmin, key string, args map[string]string, target TargetUser, reason Reason) {
	n := newNotification(KindPolicyChanged, admin, key, args, target)
	n.Reason = reason
	d.deliver(admin, n)
}

func (d *Dispatcher) deliver(admin policy.EnforcingAdmin, n Notification) {
	d.mu.RLock()
	receivers := d.receivers[receiverKey{pkg: admin.PackageName, userID: admin.UserID}]
	transports := d.transports
	d.mu.RUnlock()

	if len(receivers) == 0 {
		d.logger.Info("no receiver registered for notification",
			"kind", n.Kind, "admin", admin.String(), "policy_key", n.PolicyKey)
	}
	for _, r := range receivers {
		if r.Permission != BindPermission {
			d.logger.Warn("receiver not protected by binding permission, skipping",
				"admin", admin.String(), "permission", r.Permission)
			continue
		}
		if r.Handler != nil {
			// Fire-and-forget: nothing waits on the handler's outcome.
			r.Handler(n)
		}
	}

	for _, t := range transports {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := t.Publish(ctx, n); err != nil {
			d.logger.Warn("notification transport publish failed",
				"transport", t.Name(), "kind", n.Kind, "error", err)
		}
		cancel()
	}
}
