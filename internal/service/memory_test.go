// internal/service/memory_test.go
package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"payment-reconciliation/internal/gateway"
	"payment-reconciliation/internal/models"
	"payment-reconciliation/internal/repository"
	"payment-reconciliation/pkg/messaging"
)

// In-memory stores with the same versioning and uniqueness rules as the
// Postgres repositories. Rows are stored by value so callers never share
// pointers with the store.

type memPayments struct {
	mu     sync.Mutex
	rows   map[string]models.Payment
	orders *memOrders
	// stale makes the next n updates lose to a simulated concurrent writer.
	stale   int
	updates int
}

func (m *memPayments) put(p *models.Payment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[p.ID] = *p
}

func (m *memPayments) get(id string) *models.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return nil
	}
	return &p
}

func (m *memPayments) find(match func(models.Payment) bool) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.rows {
		if match(p) {
			cp := p
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memPayments) GetByID(_ context.Context, id string) (*models.Payment, error) {
	return m.find(func(p models.Payment) bool { return p.ID == id })
}

func (m *memPayments) FindByIntentID(_ context.Context, intentID string) (*models.Payment, error) {
	return m.find(func(p models.Payment) bool { return p.IntentID == intentID })
}

func (m *memPayments) FindByTransactionID(_ context.Context, txnID string) (*models.Payment, error) {
	return m.find(func(p models.Payment) bool { return p.GatewayTransactionID == txnID })
}

func (m *memPayments) FindByOrderReference(_ context.Context, ref string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *models.Payment
	for _, p := range m.rows {
		if p.OrderReference != ref {
			continue
		}
		cp := p
		switch {
		case best == nil:
			best = &cp
		case cp.IsCompleted() && !best.IsCompleted():
			best = &cp
		case cp.IsCompleted() == best.IsCompleted() && cp.CreatedAt.After(best.CreatedAt):
			best = &cp
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	return best, nil
}

func (m *memPayments) Update(_ context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.rows[p.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if m.stale > 0 {
		m.stale--
		stored.Version++
		m.rows[p.ID] = stored
		return repository.ErrStaleVersion
	}
	if stored.Version != p.Version {
		return repository.ErrStaleVersion
	}
	p.Version++
	m.rows[p.ID] = *p
	m.updates++
	return nil
}

func (m *memPayments) ListCompletedWithoutPaidOrder(_ context.Context, from, to time.Time) ([]*models.Payment, error) {
	m.mu.Lock()
	var candidates []*models.Payment
	for _, p := range m.rows {
		if p.IsCompleted() && inWindow(p.UpdatedAt, from, to) {
			cp := p
			candidates = append(candidates, &cp)
		}
	}
	m.mu.Unlock()

	var out []*models.Payment
	for _, p := range candidates {
		o := m.orders.get(p.OrderReference)
		switch {
		case o == nil, o.PaymentRef == "":
			out = append(out, p)
		case o.PaymentRef == p.ID && o.Status != models.OrderStatusPaid &&
			o.Status != models.OrderStatusProcessing && o.Status != models.OrderStatusCompleted:
			out = append(out, p)
		}
	}
	sortPayments(out)
	return out, nil
}

func (m *memPayments) ListByStatus(_ context.Context, statuses []models.PaymentStatus, from, to time.Time) ([]*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Payment
	for _, p := range m.rows {
		if !inWindow(p.UpdatedAt, from, to) {
			continue
		}
		for _, s := range statuses {
			if p.Status == s {
				cp := p
				out = append(out, &cp)
				break
			}
		}
	}
	sortPayments(out)
	return out, nil
}

type memOrders struct {
	mu           sync.Mutex
	rows         map[string]models.Order
	entitlements *memEntitlements
	// beforeCreate runs before an insert, outside the lock.
	beforeCreate func(*models.Order)
}

func (m *memOrders) put(o *models.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[o.OrderNumber] = *o
}

func (m *memOrders) get(number string) *models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.rows[number]
	if !ok {
		return nil
	}
	return &o
}

func (m *memOrders) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func (m *memOrders) Create(_ context.Context, o *models.Order) error {
	if m.beforeCreate != nil {
		m.beforeCreate(o)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[o.OrderNumber]; ok {
		return repository.ErrDuplicate
	}
	m.rows[o.OrderNumber] = *o
	return nil
}

func (m *memOrders) GetByNumber(_ context.Context, number string) (*models.Order, error) {
	if o := m.get(number); o != nil {
		return o, nil
	}
	return nil, repository.ErrNotFound
}

func (m *memOrders) FindByPaymentRef(_ context.Context, paymentID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.rows {
		if o.PaymentRef == paymentID {
			cp := o
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memOrders) Update(_ context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.rows[o.OrderNumber]
	if !ok {
		return repository.ErrNotFound
	}
	if stored.Version != o.Version {
		return repository.ErrStaleVersion
	}
	o.Version++
	m.rows[o.OrderNumber] = *o
	return nil
}

func (m *memOrders) ListPaidWithoutEntitlement(_ context.Context, from, to time.Time) ([]*models.Order, error) {
	m.mu.Lock()
	var out []*models.Order
	for _, o := range m.rows {
		if o.Status == models.OrderStatusPaid && inWindow(o.UpdatedAt, from, to) {
			cp := o
			out = append(out, &cp)
		}
	}
	m.mu.Unlock()

	filtered := out[:0]
	for _, o := range out {
		if _, err := m.entitlements.GetByOrderNumber(context.Background(), o.OrderNumber); err != nil {
			filtered = append(filtered, o)
		}
	}
	return filtered, nil
}

type memPurchases struct {
	payments *memPayments
	orders   *memOrders
	err      error
}

func (m *memPurchases) CreatePaymentAndOrder(ctx context.Context, p *models.Payment, o *models.Order) error {
	if m.err != nil {
		return m.err
	}
	if err := m.orders.Create(ctx, o); err != nil {
		return err
	}
	m.payments.put(p)
	return nil
}

type memPackages struct {
	rows map[int64]models.ServicePackage
}

func (m *memPackages) GetByID(_ context.Context, id int64) (*models.ServicePackage, error) {
	p, ok := m.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

type memEntitlements struct {
	mu   sync.Mutex
	rows map[string]models.Entitlement
	err  error
}

func (m *memEntitlements) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func (m *memEntitlements) Create(_ context.Context, e *models.Entitlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if _, ok := m.rows[e.OrderNumber]; ok {
		return repository.ErrDuplicate
	}
	m.rows[e.OrderNumber] = *e
	return nil
}

func (m *memEntitlements) GetByOrderNumber(_ context.Context, number string) (*models.Entitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[number]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &e, nil
}

type memTickets struct {
	mu    sync.Mutex
	rows  []models.Ticket
	err   error
	panic bool
}

func (m *memTickets) all() []models.Ticket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Ticket(nil), m.rows...)
}

func (m *memTickets) byCategory(c models.TicketCategory) []models.Ticket {
	var out []models.Ticket
	for _, t := range m.all() {
		if t.Category == c {
			out = append(out, t)
		}
	}
	return out
}

func (m *memTickets) Create(_ context.Context, t *models.Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.panic {
		panic("ticket store exploded")
	}
	if m.err != nil {
		return m.err
	}
	for _, existing := range m.rows {
		if existing.Status == models.TicketStatusOpen && existing.DedupeKey() == t.DedupeKey() {
			return repository.ErrDuplicate
		}
	}
	m.rows = append(m.rows, *t)
	return nil
}

func (m *memTickets) FindOpen(_ context.Context, c models.TicketCategory, paymentRef, orderRef string) (*models.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.panic {
		panic("ticket store exploded")
	}
	if m.err != nil {
		return nil, m.err
	}
	key := models.TicketKey(c, paymentRef, orderRef)
	for _, t := range m.rows {
		if t.Status == models.TicketStatusOpen && t.DedupeKey() == key {
			cp := t
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memTickets) List(_ context.Context, status models.TicketStatus, limit int) ([]*models.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Ticket
	for i := len(m.rows) - 1; i >= 0 && len(out) < limit; i-- {
		if status == "" || m.rows[i].Status == status {
			cp := m.rows[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memDeliverables struct {
	states map[string]models.DeliverableState
	err    error
}

func (m *memDeliverables) StateForPayment(_ context.Context, paymentID string) (models.DeliverableState, error) {
	if m.err != nil {
		return "", m.err
	}
	if s, ok := m.states[paymentID]; ok {
		return s, nil
	}
	return models.DeliverableNone, nil
}

type memReplay struct {
	mu   sync.Mutex
	keys map[string]interface{}
}

func (m *memReplay) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.keys[key]
	return ok, nil
}

func (m *memReplay) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = value
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []messaging.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e messaging.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

// fakeGateway answers Verify from a queue of results; the last one repeats.
type fakeGateway struct {
	mu          sync.Mutex
	name        string
	intent      *gateway.Intent
	intentErrs  []error
	verify      []verifyResult
	createCalls int
	verifyCalls int
	lastVerify  string
}

type verifyResult struct {
	v   *gateway.Verification
	err error
}

func (g *fakeGateway) Name() string { return g.name }

func (g *fakeGateway) CreateIntent(_ context.Context, req gateway.IntentRequest) (*gateway.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createCalls++
	if len(g.intentErrs) > 0 {
		err := g.intentErrs[0]
		g.intentErrs = g.intentErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if g.intent != nil {
		return g.intent, nil
	}
	return &gateway.Intent{ID: "intent-" + req.ClientRefID, RedirectURL: "https://gateway.test/pay/" + req.ClientRefID}, nil
}

func (g *fakeGateway) Verify(_ context.Context, intentID string, expected decimal.Decimal) (*gateway.Verification, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.verifyCalls++
	g.lastVerify = intentID
	if len(g.verify) == 0 {
		return &gateway.Verification{Verified: true, TransactionID: "txn-" + intentID, Amount: expected}, nil
	}
	r := g.verify[0]
	if len(g.verify) > 1 {
		g.verify = g.verify[1:]
	}
	return r.v, r.err
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.verifyCalls
}

// failingGranter simulates an entitlement backend that is down.
type failingGranter struct{ err error }

func (f failingGranter) Grant(context.Context, *models.Order) (*models.Entitlement, bool, error) {
	return nil, false, f.err
}

var errBackendDown = errors.New("backend down")

func inWindow(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}

func sortPayments(ps []*models.Payment) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].UpdatedAt.Before(ps[j].UpdatedAt) })
}
