package gateway

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/payrelay/payrelay/infra/idempotency"
	"github.com/payrelay/payrelay/infra/resilience"
	"github.com/payrelay/payrelay/infra/vault"
	"github.com/payrelay/payrelay/provider"
)

// In-memory repositories mirroring the SQL store's contract, including the
// row-version compare-and-set on updates.

type memProviderRepo struct {
	mu        sync.Mutex
	providers map[string]*Provider
}

func newMemProviderRepo() *memProviderRepo {
	return &memProviderRepo{providers: make(map[string]*Provider)}
}

func (r *memProviderRepo) Create(_ context.Context, p *Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.providers[p.ID] = &cp
	return nil
}

func (r *memProviderRepo) GetByID(_ context.Context, id string) (*Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[id]
	if !ok || p.DeletedAt != nil {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memProviderRepo) GetByName(_ context.Context, name string) (*Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.providers {
		if p.Name == name && p.DeletedAt == nil {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memProviderRepo) ListAll(_ context.Context) ([]*Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Provider
	for _, p := range r.providers {
		if p.DeletedAt == nil {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memProviderRepo) ListActiveByCurrency(_ context.Context, currency string) ([]*Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Provider
	for _, p := range r.providers {
		if p.DeletedAt == nil && p.Status == ProviderActive && p.SupportsCurrency(currency) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (r *memProviderRepo) Update(_ context.Context, p *Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[p.ID]; !ok {
		return ErrNotFound
	}
	cp := *p
	r.providers[p.ID] = &cp
	return nil
}

func (r *memProviderRepo) UpdateStatus(_ context.Context, id string, status ProviderStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[id]
	if !ok {
		return ErrNotFound
	}
	p.Status = status
	return nil
}

func (r *memProviderRepo) SoftDelete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	p.DeletedAt = &now
	return nil
}

type memPaymentRepo struct {
	mu       sync.Mutex
	payments map[string]*PaymentTransaction

	// conflicts forces this many updates to fail with a row-version conflict
	// before behaving normally again.
	conflicts int
}

func newMemPaymentRepo() *memPaymentRepo {
	return &memPaymentRepo{payments: make(map[string]*PaymentTransaction)}
}

func (r *memPaymentRepo) Create(_ context.Context, t *PaymentTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t.RowVersion = 1
	cp := *t
	r.payments[t.ID] = &cp
	return nil
}

func (r *memPaymentRepo) GetByID(_ context.Context, id string) (*PaymentTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *memPaymentRepo) GetByIdempotencyKey(_ context.Context, key string) (*PaymentTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.payments {
		if t.IdempotencyKey == key {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memPaymentRepo) GetByProviderTransactionID(_ context.Context, providerTxID string) (*PaymentTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.payments {
		if t.ProviderTransactionID == providerTxID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memPaymentRepo) Update(_ context.Context, t *PaymentTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conflicts > 0 {
		r.conflicts--
		return ErrConcurrentModification
	}
	stored, ok := r.payments[t.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.RowVersion != t.RowVersion {
		return ErrConcurrentModification
	}
	t.RowVersion++
	cp := *t
	r.payments[t.ID] = &cp
	return nil
}

type memRefundRepo struct {
	mu      sync.Mutex
	refunds map[string]*RefundTransaction
}

func newMemRefundRepo() *memRefundRepo {
	return &memRefundRepo{refunds: make(map[string]*RefundTransaction)}
}

func (r *memRefundRepo) Create(_ context.Context, rf *RefundTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rf.RowVersion = 1
	cp := *rf
	r.refunds[rf.ID] = &cp
	return nil
}

func (r *memRefundRepo) GetByID(_ context.Context, id string) (*RefundTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rf, ok := r.refunds[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rf
	return &cp, nil
}

func (r *memRefundRepo) GetByIdempotencyKey(_ context.Context, key string) (*RefundTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rf := range r.refunds {
		if rf.IdempotencyKey == key {
			cp := *rf
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memRefundRepo) ListByPayment(_ context.Context, paymentID string) ([]*RefundTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*RefundTransaction
	for _, rf := range r.refunds {
		if rf.PaymentTransactionID == paymentID {
			cp := *rf
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memRefundRepo) Update(_ context.Context, rf *RefundTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.refunds[rf.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.RowVersion != rf.RowVersion {
		return ErrConcurrentModification
	}
	rf.RowVersion++
	cp := *rf
	r.refunds[rf.ID] = &cp
	return nil
}

type memWebhookRepo struct {
	mu     sync.Mutex
	events map[string]*WebhookEvent
}

func newMemWebhookRepo() *memWebhookRepo {
	return &memWebhookRepo{events: make(map[string]*WebhookEvent)}
}

func (r *memWebhookRepo) Create(_ context.Context, e *WebhookEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *e
	r.events[e.ID] = &cp
	return nil
}

func (r *memWebhookRepo) GetByID(_ context.Context, id string) (*WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *memWebhookRepo) GetByProviderEventID(_ context.Context, providerID, providerEventID string) (*WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.ProviderID == providerID && e.ProviderEventID == providerEventID && e.ProcessingStatus != WebhookDuplicate {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memWebhookRepo) all() []*WebhookEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*WebhookEvent
	for _, e := range r.events {
		cp := *e
		out = append(out, &cp)
	}
	return out
}

func (r *memWebhookRepo) Update(_ context.Context, e *WebhookEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.events[e.ID]; !ok {
		return ErrNotFound
	}
	cp := *e
	r.events[e.ID] = &cp
	return nil
}

func (r *memWebhookRepo) ListRetryable(_ context.Context, now time.Time, limit int) ([]*WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*WebhookEvent
	for _, e := range r.events {
		if e.ProcessingStatus == WebhookFailed && e.NextRetryAt != nil && !e.NextRetryAt.After(now) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memWebhookRepo) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, e := range r.events {
		if e.CreatedAt.Before(cutoff) && (e.ProcessingStatus == WebhookCompleted || e.ProcessingStatus == WebhookDuplicate) {
			delete(r.events, id)
			n++
		}
	}
	return n, nil
}

type memLogRepo struct {
	mu   sync.Mutex
	logs []*TransactionLog
}

func newMemLogRepo() *memLogRepo { return &memLogRepo{} }

func (r *memLogRepo) Append(_ context.Context, l *TransactionLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *l
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	r.logs = append(r.logs, &cp)
	return nil
}

func (r *memLogRepo) ListByPayment(_ context.Context, paymentID string) ([]*TransactionLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*TransactionLog
	for _, l := range r.logs {
		if l.PaymentTransactionID == paymentID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (r *memLogRepo) eventTypes(paymentID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, l := range r.logs {
		if l.PaymentTransactionID == paymentID {
			out = append(out, l.EventType)
		}
	}
	return out
}

// fakeBus records published domain events.
type fakeBus struct {
	mu     sync.Mutex
	events []DomainEvent
}

func (b *fakeBus) Publish(_ context.Context, e DomainEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *fakeBus) Close() {}

func (b *fakeBus) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, e := range b.events {
		out = append(out, e.Type)
	}
	return out
}

var _ EventBus = (*fakeBus)(nil)

// fakeAdapter is a scriptable provider adapter.
type fakeAdapter struct {
	conf map[string]string

	authorizeFunc func(ctx context.Context, req provider.AuthorizeRequest) (*provider.AuthorizeResponse, error)
	statusFunc    func(ctx context.Context, id string) (*provider.StatusResponse, error)
	refundFunc    func(ctx context.Context, req provider.RefundRequest) (*provider.RefundResponse, error)
	verifyFunc    func(ctx context.Context, req provider.WebhookRequest) (bool, error)
	extractFunc   func(payload []byte) (*provider.WebhookData, error)
}

func (a *fakeAdapter) Initialize(conf map[string]string) error {
	a.conf = conf
	return nil
}

func (a *fakeAdapter) Authorize(ctx context.Context, req provider.AuthorizeRequest) (*provider.AuthorizeResponse, error) {
	if a.authorizeFunc != nil {
		return a.authorizeFunc(ctx, req)
	}
	return &provider.AuthorizeResponse{
		Success:               true,
		ProviderTransactionID: "ptx_" + req.ReferenceID,
		Status:                provider.StatusSucceeded,
	}, nil
}

func (a *fakeAdapter) GetStatus(ctx context.Context, id string) (*provider.StatusResponse, error) {
	if a.statusFunc != nil {
		return a.statusFunc(ctx, id)
	}
	return &provider.StatusResponse{Status: provider.StatusSucceeded}, nil
}

func (a *fakeAdapter) Refund(ctx context.Context, req provider.RefundRequest) (*provider.RefundResponse, error) {
	if a.refundFunc != nil {
		return a.refundFunc(ctx, req)
	}
	return &provider.RefundResponse{
		Success:          true,
		ProviderRefundID: "pr_" + req.ReferenceID,
		Status:           provider.StatusSucceeded,
	}, nil
}

func (a *fakeAdapter) VerifyWebhook(ctx context.Context, req provider.WebhookRequest) (bool, error) {
	if a.verifyFunc != nil {
		return a.verifyFunc(ctx, req)
	}
	return true, nil
}

func (a *fakeAdapter) ExtractEvent(payload []byte) (*provider.WebhookData, error) {
	if a.extractFunc != nil {
		return a.extractFunc(payload)
	}
	return &provider.WebhookData{
		ProviderEventID: "evt_" + strings.TrimSpace(string(payload)),
		EventType:       "payment.updated",
		Status:          provider.StatusSucceeded,
	}, nil
}

// stack bundles everything a service test needs, wired the way main does it.
type stack struct {
	providers *memProviderRepo
	payments  *memPaymentRepo
	refunds   *memRefundRepo
	webhooks  *memWebhookRepo
	logs      *memLogRepo

	vault    *vault.Vault
	registry *RegistryService
	router   *Router
	builder  *AdapterBuilder
	pipeline *resilience.Pipeline
	breakers *resilience.BreakerSet
	idem     *idempotency.MemoryStore
	audit    *Auditor
	bus      *fakeBus
	adapter  *fakeAdapter

	paymentSvc *PaymentService
	refundSvc  *RefundService
	webhookSvc *WebhookService
}

func newStack(t *testing.T) *stack {
	t.Helper()

	v, err := vault.New("test-vault-secret")
	require.NoError(t, err)

	s := &stack{
		providers: newMemProviderRepo(),
		payments:  newMemPaymentRepo(),
		refunds:   newMemRefundRepo(),
		webhooks:  newMemWebhookRepo(),
		logs:      newMemLogRepo(),
		vault:     v,
		idem:      idempotency.NewMemoryStore(),
		bus:       &fakeBus{},
		adapter:   &fakeAdapter{},
	}

	reg := provider.NewRegistry()
	reg.Register("fakepay", func() provider.PaymentProvider { return s.adapter })
	reg.Register("altpay", func() provider.PaymentProvider { return s.adapter })

	s.registry = NewRegistryService(s.providers, v)
	s.breakers = resilience.NewBreakerSet(resilience.BreakerConfig{
		SamplingWindow: time.Minute,
		MinSamples:     2,
		FailureRatio:   0.5,
		BreakDuration:  time.Minute,
	})
	s.pipeline = resilience.NewPipeline(s.breakers, resilience.RetryConfig{
		MaxRetries:     1,
		BaseDelay:      time.Millisecond,
		AttemptTimeout: time.Second,
	})
	s.router = NewRouter(s.registry, s.pipeline)
	s.builder = NewAdapterBuilder(reg, v)
	s.audit = NewAuditor(s.logs)

	s.paymentSvc = NewPaymentService(PaymentServiceConfig{
		Payments:  s.payments,
		Registry:  s.registry,
		Router:    s.router,
		Builder:   s.builder,
		Pipeline:  s.pipeline,
		Idem:      s.idem,
		Audit:     s.audit,
		Bus:       s.bus,
		LockWait:  time.Second,
		ResultTTL: time.Hour,
	})
	s.refundSvc = NewRefundService(RefundServiceConfig{
		Refunds:   s.refunds,
		Payments:  s.payments,
		Registry:  s.registry,
		Builder:   s.builder,
		Pipeline:  s.pipeline,
		Idem:      s.idem,
		Audit:     s.audit,
		Bus:       s.bus,
		LockWait:  time.Second,
		ResultTTL: time.Hour,
	})
	s.webhookSvc = NewWebhookService(
		s.webhooks, s.payments, s.refunds,
		s.registry, s.builder, s.audit, s.bus,
	)
	return s
}

// tripBreaker opens the circuit for the provider's default region
// (MinSamples 2, FailureRatio 0.5 in the test breaker config).
func (s *stack) tripBreaker(p *Provider) {
	cb := s.breakers.Get(breakerKey(p, nil))
	cb.RecordFailure()
	cb.RecordFailure()
}

// seedProvider registers an ACTIVE provider with encrypted credentials and
// one active region.
func (s *stack) seedProvider(t *testing.T, name string, priority int, currencies ...string) *Provider {
	t.Helper()
	if len(currencies) == 0 {
		currencies = []string{"THB"}
	}
	p, err := s.registry.Register(context.Background(), RegisterProviderInput{
		Name:                name,
		DisplayName:         strings.ToUpper(name[:1]) + name[1:],
		SupportedCurrencies: currencies,
		Priority:            priority,
		Credentials:         map[string]string{"secretKey": "sk_test_" + name},
		Configurations: []ProviderConfiguration{
			{Region: "ap-southeast", BaseURL: "https://api." + name + ".example", Active: true, Timeout: 5 * time.Second},
		},
	})
	require.NoError(t, err)
	return p
}
