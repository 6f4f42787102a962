// Package ledger owns the invoice rows.  Every write that changes what a
// participant owes or has paid is handed to the reconciliation engine so
// the event document follows the ledger.
package ledger

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/workshop-billing/internal/gateway"
	"github.com/iliyamo/workshop-billing/internal/model"
	"github.com/iliyamo/workshop-billing/internal/notify"
	"github.com/iliyamo/workshop-billing/internal/reconcile"
	"github.com/iliyamo/workshop-billing/internal/repository"
)

// Roles carried in the access token.
const (
	RoleAdmin  = "ADMIN"
	RoleStaff  = "STAFF"
	RoleParent = "PARENT"
)

// Actor is the authenticated caller.
type Actor struct {
	UserID string
	Role   string
}

// IsStaff reports whether the actor may act on any payer's invoices.
func (a Actor) IsStaff() bool { return a.Role == RoleAdmin || a.Role == RoleStaff }

// Owns reports whether the actor is the payer of inv.
func (a Actor) Owns(inv *model.Invoice) bool { return a.UserID != "" && a.UserID == inv.PayerID }

// Policy holds the configurable business rules.
type Policy struct {
	// AllowDeletePaid lets owners and admins delete invoices that are
	// already paid.
	AllowDeletePaid bool
}

// Service implements the invoice operations.
type Service struct {
	store    repository.Store
	engine   *reconcile.Engine
	gateways *gateway.Registry
	pub      notify.Publisher
	guard    repository.NotificationGuard
	policy   Policy
	log      *zap.Logger
	now      func() time.Time
}

// Option customises a Service.
type Option func(*Service)

func WithPublisher(p notify.Publisher) Option { return func(s *Service) { s.pub = p } }

func WithNotificationGuard(g repository.NotificationGuard) Option {
	return func(s *Service) { s.guard = g }
}

func WithPolicy(p Policy) Option { return func(s *Service) { s.policy = p } }

func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.log = l } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// New returns a Service.  gateways may be empty but not nil.
func New(store repository.Store, engine *reconcile.Engine, gateways *gateway.Registry, opts ...Option) *Service {
	s := &Service{
		store:    store,
		engine:   engine,
		gateways: gateways,
		pub:      notify.Nop{},
		guard:    repository.NopNotificationGuard{},
		policy:   Policy{AllowDeletePaid: true},
		log:      zap.NewNop(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Engine exposes the reconciliation engine used by the service.
func (s *Service) Engine() *reconcile.Engine { return s.engine }

func (s *Service) publish(ctx context.Context, ev notify.Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.now().UTC()
	}
	if err := s.pub.Publish(ctx, ev); err != nil {
		s.log.Warn("event publish failed", zap.String("type", ev.Type), zap.Error(err))
	}
}

// load reads an invoice and checks that actor may see it.
func (s *Service) load(ctx context.Context, actor Actor, id string) (*model.Invoice, error) {
	if id == "" {
		return nil, invalid("id", "required")
	}
	inv, err := s.store.GetInvoice(ctx, id)
	if err != nil {
		return nil, notFound(err, "invoice", id)
	}
	if !actor.IsStaff() && !actor.Owns(inv) {
		return nil, errForbidden
	}
	return inv, nil
}

func (s *Service) adapter(kind gateway.Kind) (gateway.Adapter, error) {
	a, err := s.gateways.Get(kind)
	if err != nil {
		return nil, invalid("gateway", "unsupported")
	}
	return a, nil
}

func notFound(err error, resource, id string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return &NotFoundError{Resource: resource, ID: id}
	}
	return err
}
