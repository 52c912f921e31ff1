// Package storetest provides an in-memory store.Store used by the _test.go
// files of internal/checkout, internal/webhook, internal/orchestrator,
// internal/poller and internal/sweep, so those packages can exercise the
// order-lifecycle scenarios without a live Postgres. It applies the same
// state-guarded order-status update as internal/store/postgres and checks
// uniqueness of user email, provider slug, plan (provider, external id) and
// order idempotency key; the schema's other unique columns (payment and
// customer processor ids, order number) are not checked. sqlmock covers the SQL layer's own tests; this
// package plays the equivalent role one level up, where per-query
// expectations would be too brittle against the multi-table transactions
// the orchestrator and webhook ingestor run.
package storetest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/depinlabs/storage-aggregator/internal/domain"
	"github.com/depinlabs/storage-aggregator/internal/store"
)

// Store is an in-memory store.Store. The zero value is not usable; use New.
type Store struct {
	mu sync.Mutex

	users        map[string]*domain.User
	providers    map[string]*domain.Provider
	plans        map[string]*domain.StoragePlan
	orders       map[string]*domain.Order
	payments     map[string]*domain.Payment
	transactions map[string]*domain.BlockchainTransaction
	syncLogs     map[string]*domain.ProviderSyncLog
	sysConfig    map[string]*domain.SystemConfig
}

func New() *Store {
	return &Store{
		users:        make(map[string]*domain.User),
		providers:    make(map[string]*domain.Provider),
		plans:        make(map[string]*domain.StoragePlan),
		orders:       make(map[string]*domain.Order),
		payments:     make(map[string]*domain.Payment),
		transactions: make(map[string]*domain.BlockchainTransaction),
		syncLogs:     make(map[string]*domain.ProviderSyncLog),
		sysConfig:    make(map[string]*domain.SystemConfig),
	}
}

func (s *Store) Users() store.UserStore               { return (*userStore)(s) }
func (s *Store) Providers() store.ProviderStore       { return (*providerStore)(s) }
func (s *Store) Plans() store.PlanStore               { return (*planStore)(s) }
func (s *Store) Orders() store.OrderStore             { return (*orderStore)(s) }
func (s *Store) Payments() store.PaymentStore         { return (*paymentStore)(s) }
func (s *Store) Transactions() store.TxStore          { return (*txStore)(s) }
func (s *Store) SyncLogs() store.SyncLogStore         { return (*syncLogStore)(s) }
func (s *Store) SystemConfig() store.SystemConfigStore { return (*sysConfigStore)(s) }
func (s *Store) Close() error                         { return nil }

// BeginTx serializes the whole store behind its mutex for the duration of
// fn, the in-memory stand-in for Postgres's serializable isolation. There is
// no real rollback of partial writes on error: none of the scenarios this
// fake backs depend on undoing a partially-applied transaction, only on
// atomic visibility of the final state to later reads.
func (s *Store) BeginTx(ctx context.Context, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn((*txHandle)(s))
}

// txHandle lets the same repository implementations serve both Store and
// Tx: every method already locks s.mu, and BeginTx already holds it, so the
// mutex must be re-entrant-safe. Go's sync.Mutex is not re-entrant, so the
// repository methods below take the lock only at the Store level
// (non-transactional entry points); txHandle's accessors return repository
// values that skip locking by operating directly on the maps instead.
type txHandle Store

func (t *txHandle) Users() store.UserStore        { return (*userStoreNoLock)(t) }
func (t *txHandle) Providers() store.ProviderStore { return (*providerStoreNoLock)(t) }
func (t *txHandle) Plans() store.PlanStore         { return (*planStoreNoLock)(t) }
func (t *txHandle) Orders() store.OrderStore       { return (*orderStoreNoLock)(t) }
func (t *txHandle) Payments() store.PaymentStore   { return (*paymentStoreNoLock)(t) }
func (t *txHandle) Transactions() store.TxStore    { return (*txStoreNoLock)(t) }
func (t *txHandle) Commit() error                  { return nil }
func (t *txHandle) Rollback() error                { return nil }

// ---- users ----

type userStore Store

func (u *userStore) Create(ctx context.Context, user *domain.User) error {
	s := (*Store)(u)
	s.mu.Lock()
	defer s.mu.Unlock()
	return createUser(s, user)
}
func (u *userStore) Get(ctx context.Context, id string) (*domain.User, error) {
	s := (*Store)(u)
	s.mu.Lock()
	defer s.mu.Unlock()
	return getUser(s, id)
}
func (u *userStore) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	s := (*Store)(u)
	s.mu.Lock()
	defer s.mu.Unlock()
	return getUserByEmail(s, email)
}
func (u *userStore) SetProcessorCustomerID(ctx context.Context, id, processorCustomerID string) error {
	s := (*Store)(u)
	s.mu.Lock()
	defer s.mu.Unlock()
	return setProcessorCustomerID(s, id, processorCustomerID)
}

type userStoreNoLock txHandle

func (u *userStoreNoLock) Create(ctx context.Context, user *domain.User) error {
	return createUser((*Store)(u), user)
}
func (u *userStoreNoLock) Get(ctx context.Context, id string) (*domain.User, error) {
	return getUser((*Store)(u), id)
}
func (u *userStoreNoLock) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	return getUserByEmail((*Store)(u), email)
}
func (u *userStoreNoLock) SetProcessorCustomerID(ctx context.Context, id, processorCustomerID string) error {
	return setProcessorCustomerID((*Store)(u), id, processorCustomerID)
}

func createUser(s *Store, user *domain.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	for _, existing := range s.users {
		if existing.Email == user.Email {
			return store.ErrConflict
		}
	}
	now := time.Now()
	user.CreatedAt, user.UpdatedAt = now, now
	cp := *user
	s.users[user.ID] = &cp
	return nil
}

func getUser(s *Store, id string) (*domain.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func getUserByEmail(s *Store, email string) (*domain.User, error) {
	for _, u := range s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrUserNotFound
}

func setProcessorCustomerID(s *Store, id, processorCustomerID string) error {
	u, ok := s.users[id]
	if !ok {
		return store.ErrUserNotFound
	}
	u.ProcessorCustomerID = processorCustomerID
	u.UpdatedAt = time.Now()
	return nil
}

// ---- providers ----

type providerStore Store

func (p *providerStore) Create(ctx context.Context, provider *domain.Provider) error {
	s := (*Store)(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	return createProvider(s, provider)
}
func (p *providerStore) Get(ctx context.Context, id string) (*domain.Provider, error) {
	s := (*Store)(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	return getProvider(s, id)
}
func (p *providerStore) GetBySlug(ctx context.Context, slug string) (*domain.Provider, error) {
	s := (*Store)(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	return getProviderBySlug(s, slug)
}
func (p *providerStore) List(ctx context.Context) ([]*domain.Provider, error) {
	s := (*Store)(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	return listProviders(s)
}

type providerStoreNoLock txHandle

func (p *providerStoreNoLock) Create(ctx context.Context, provider *domain.Provider) error {
	return createProvider((*Store)(p), provider)
}
func (p *providerStoreNoLock) Get(ctx context.Context, id string) (*domain.Provider, error) {
	return getProvider((*Store)(p), id)
}
func (p *providerStoreNoLock) GetBySlug(ctx context.Context, slug string) (*domain.Provider, error) {
	return getProviderBySlug((*Store)(p), slug)
}
func (p *providerStoreNoLock) List(ctx context.Context) ([]*domain.Provider, error) {
	return listProviders((*Store)(p))
}

func createProvider(s *Store, provider *domain.Provider) error {
	if provider.ID == "" {
		provider.ID = uuid.New().String()
	}
	for _, existing := range s.providers {
		if existing.Slug == provider.Slug {
			return store.ErrConflict
		}
	}
	now := time.Now()
	provider.CreatedAt, provider.UpdatedAt = now, now
	cp := *provider
	s.providers[provider.ID] = &cp
	return nil
}

func getProvider(s *Store, id string) (*domain.Provider, error) {
	p, ok := s.providers[id]
	if !ok {
		return nil, store.ErrProviderNotFound
	}
	cp := *p
	return &cp, nil
}

func getProviderBySlug(s *Store, slug string) (*domain.Provider, error) {
	for _, p := range s.providers {
		if p.Slug == slug {
			cp := *p
			return &cp, nil
		}
	}
	return nil, store.ErrProviderNotFound
}

func listProviders(s *Store) ([]*domain.Provider, error) {
	out := make([]*domain.Provider, 0, len(s.providers))
	for _, p := range s.providers {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

// ---- plans ----

type planStore Store

func (p *planStore) Create(ctx context.Context, plan *domain.StoragePlan) error {
	s := (*Store)(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	return createPlan(s, plan)
}
func (p *planStore) Get(ctx context.Context, id string) (*domain.StoragePlan, error) {
	s := (*Store)(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	return getPlan(s, id)
}
func (p *planStore) GetByExternalID(ctx context.Context, providerID, externalPlanID string) (*domain.StoragePlan, error) {
	s := (*Store)(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	return getPlanByExternalID(s, providerID, externalPlanID)
}
func (p *planStore) ListByProvider(ctx context.Context, providerID string) ([]*domain.StoragePlan, error) {
	s := (*Store)(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	return listPlansByProvider(s, providerID)
}
func (p *planStore) Update(ctx context.Context, plan *domain.StoragePlan) error {
	s := (*Store)(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	return updatePlan(s, plan)
}
func (p *planStore) MarkUnavailable(ctx context.Context, id string) error {
	s := (*Store)(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	return markPlanUnavailable(s, id)
}

type planStoreNoLock txHandle

func (p *planStoreNoLock) Create(ctx context.Context, plan *domain.StoragePlan) error {
	return createPlan((*Store)(p), plan)
}
func (p *planStoreNoLock) Get(ctx context.Context, id string) (*domain.StoragePlan, error) {
	return getPlan((*Store)(p), id)
}
func (p *planStoreNoLock) GetByExternalID(ctx context.Context, providerID, externalPlanID string) (*domain.StoragePlan, error) {
	return getPlanByExternalID((*Store)(p), providerID, externalPlanID)
}
func (p *planStoreNoLock) ListByProvider(ctx context.Context, providerID string) ([]*domain.StoragePlan, error) {
	return listPlansByProvider((*Store)(p), providerID)
}
func (p *planStoreNoLock) Update(ctx context.Context, plan *domain.StoragePlan) error {
	return updatePlan((*Store)(p), plan)
}
func (p *planStoreNoLock) MarkUnavailable(ctx context.Context, id string) error {
	return markPlanUnavailable((*Store)(p), id)
}

func createPlan(s *Store, plan *domain.StoragePlan) error {
	if plan.ID == "" {
		plan.ID = uuid.New().String()
	}
	for _, existing := range s.plans {
		if existing.ProviderID == plan.ProviderID && existing.ExternalPlanID == plan.ExternalPlanID {
			return store.ErrConflict
		}
	}
	now := time.Now()
	plan.CreatedAt, plan.UpdatedAt = now, now
	plan.Version = 1
	cp := *plan
	s.plans[plan.ID] = &cp
	return nil
}

func getPlan(s *Store, id string) (*domain.StoragePlan, error) {
	p, ok := s.plans[id]
	if !ok {
		return nil, store.ErrPlanNotFound
	}
	cp := *p
	return &cp, nil
}

func getPlanByExternalID(s *Store, providerID, externalPlanID string) (*domain.StoragePlan, error) {
	for _, p := range s.plans {
		if p.ProviderID == providerID && p.ExternalPlanID == externalPlanID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, store.ErrPlanNotFound
}

func listPlansByProvider(s *Store, providerID string) ([]*domain.StoragePlan, error) {
	var out []*domain.StoragePlan
	for _, p := range s.plans {
		if p.ProviderID == providerID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func updatePlan(s *Store, plan *domain.StoragePlan) error {
	existing, ok := s.plans[plan.ID]
	if !ok {
		return store.ErrPlanNotFound
	}
	plan.Version = existing.Version + 1
	plan.CreatedAt = existing.CreatedAt
	plan.UpdatedAt = time.Now()
	cp := *plan
	s.plans[plan.ID] = &cp
	return nil
}

func markPlanUnavailable(s *Store, id string) error {
	p, ok := s.plans[id]
	if !ok {
		return store.ErrPlanNotFound
	}
	p.Status = domain.PlanStatusUnavailable
	p.Active = false
	p.Version++
	p.UpdatedAt = time.Now()
	return nil
}

// ---- orders ----

type orderStore Store

func (o *orderStore) Create(ctx context.Context, order *domain.Order) error {
	s := (*Store)(o)
	s.mu.Lock()
	defer s.mu.Unlock()
	return createOrder(s, order)
}
func (o *orderStore) Get(ctx context.Context, id string) (*domain.Order, error) {
	s := (*Store)(o)
	s.mu.Lock()
	defer s.mu.Unlock()
	return getOrder(s, id)
}
func (o *orderStore) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error) {
	s := (*Store)(o)
	s.mu.Lock()
	defer s.mu.Unlock()
	return getOrderByIdempotencyKey(s, key)
}
func (o *orderStore) GetByOrderNumber(ctx context.Context, orderNumber string) (*domain.Order, error) {
	s := (*Store)(o)
	s.mu.Lock()
	defer s.mu.Unlock()
	return getOrderByOrderNumber(s, orderNumber)
}
func (o *orderStore) UpdateStatus(ctx context.Context, id string, expectedFrom, to domain.OrderStatus, statusMessage string) (bool, error) {
	s := (*Store)(o)
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateOrderStatus(s, id, expectedFrom, to, statusMessage)
}
func (o *orderStore) SetStorageAllocation(ctx context.Context, id, storageID, storageEndpoint string, metadata map[string]string) error {
	s := (*Store)(o)
	s.mu.Lock()
	defer s.mu.Unlock()
	return setStorageAllocation(s, id, storageID, storageEndpoint, metadata)
}
func (o *orderStore) SetPaidAt(ctx context.Context, id string) error {
	s := (*Store)(o)
	s.mu.Lock()
	defer s.mu.Unlock()
	return setPaidAt(s, id)
}
func (o *orderStore) SetAllocationWindow(ctx context.Context, id string, allocatedAt, expiresAt time.Time) error {
	s := (*Store)(o)
	s.mu.Lock()
	defer s.mu.Unlock()
	return setAllocationWindow(s, id, allocatedAt, expiresAt)
}
func (o *orderStore) PendingDispatch(ctx context.Context, limit int) ([]*domain.Order, error) {
	s := (*Store)(o)
	s.mu.Lock()
	defer s.mu.Unlock()
	return pendingDispatch(s, limit)
}

type orderStoreNoLock txHandle

func (o *orderStoreNoLock) Create(ctx context.Context, order *domain.Order) error {
	return createOrder((*Store)(o), order)
}
func (o *orderStoreNoLock) Get(ctx context.Context, id string) (*domain.Order, error) {
	return getOrder((*Store)(o), id)
}
func (o *orderStoreNoLock) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error) {
	return getOrderByIdempotencyKey((*Store)(o), key)
}
func (o *orderStoreNoLock) GetByOrderNumber(ctx context.Context, orderNumber string) (*domain.Order, error) {
	return getOrderByOrderNumber((*Store)(o), orderNumber)
}
func (o *orderStoreNoLock) UpdateStatus(ctx context.Context, id string, expectedFrom, to domain.OrderStatus, statusMessage string) (bool, error) {
	return updateOrderStatus((*Store)(o), id, expectedFrom, to, statusMessage)
}
func (o *orderStoreNoLock) SetStorageAllocation(ctx context.Context, id, storageID, storageEndpoint string, metadata map[string]string) error {
	return setStorageAllocation((*Store)(o), id, storageID, storageEndpoint, metadata)
}
func (o *orderStoreNoLock) SetPaidAt(ctx context.Context, id string) error {
	return setPaidAt((*Store)(o), id)
}
func (o *orderStoreNoLock) SetAllocationWindow(ctx context.Context, id string, allocatedAt, expiresAt time.Time) error {
	return setAllocationWindow((*Store)(o), id, allocatedAt, expiresAt)
}
func (o *orderStoreNoLock) PendingDispatch(ctx context.Context, limit int) ([]*domain.Order, error) {
	return pendingDispatch((*Store)(o), limit)
}

func createOrder(s *Store, order *domain.Order) error {
	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	if order.IdempotencyKey != "" {
		for _, existing := range s.orders {
			if existing.IdempotencyKey == order.IdempotencyKey {
				return store.ErrConflict
			}
		}
	}
	now := time.Now()
	order.CreatedAt, order.UpdatedAt = now, now
	cp := *order
	s.orders[order.ID] = &cp
	return nil
}

func getOrder(s *Store, id string) (*domain.Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func getOrderByIdempotencyKey(s *Store, key string) (*domain.Order, error) {
	for _, o := range s.orders {
		if o.IdempotencyKey == key {
			cp := *o
			return &cp, nil
		}
	}
	return nil, store.ErrOrderNotFound
}

func getOrderByOrderNumber(s *Store, orderNumber string) (*domain.Order, error) {
	for _, o := range s.orders {
		if o.OrderNumber == orderNumber {
			cp := *o
			return &cp, nil
		}
	}
	return nil, store.ErrOrderNotFound
}

// updateOrderStatus mirrors postgres.OrderRepository.UpdateStatus: a
// state-guarded write that no-ops on an already-applied replay and rejects
// transitions domain.CanTransition does not permit.
func updateOrderStatus(s *Store, id string, expectedFrom, to domain.OrderStatus, statusMessage string) (bool, error) {
	if !domain.CanTransition(expectedFrom, to) {
		return false, &transitionError{id: id, from: string(expectedFrom), to: string(to)}
	}
	o, ok := s.orders[id]
	if !ok {
		return false, store.ErrOrderNotFound
	}
	if o.Status == to {
		return false, nil
	}
	if o.Status != expectedFrom {
		return false, &transitionError{id: id, from: string(o.Status), to: string(to), expected: string(expectedFrom)}
	}
	o.Status = to
	o.StatusMessage = statusMessage
	o.UpdatedAt = time.Now()
	return true, nil
}

type transitionError struct {
	id       string
	from, to string
	expected string
}

func (e *transitionError) Error() string {
	if e.expected != "" {
		return "order " + e.id + " is in status " + e.from + ", expected " + e.expected
	}
	return "illegal transition " + e.from + " -> " + e.to
}

func setStorageAllocation(s *Store, id, storageID, storageEndpoint string, metadata map[string]string) error {
	o, ok := s.orders[id]
	if !ok {
		return store.ErrOrderNotFound
	}
	o.StorageID = storageID
	o.StorageEndpoint = storageEndpoint
	o.StorageMetadata = metadata
	o.UpdatedAt = time.Now()
	return nil
}

func setPaidAt(s *Store, id string) error {
	o, ok := s.orders[id]
	if !ok {
		return store.ErrOrderNotFound
	}
	now := time.Now()
	o.PaidAt = &now
	o.UpdatedAt = now
	return nil
}

func setAllocationWindow(s *Store, id string, allocatedAt, expiresAt time.Time) error {
	o, ok := s.orders[id]
	if !ok {
		return store.ErrOrderNotFound
	}
	if o.AllocatedAt != nil {
		return nil
	}
	o.AllocatedAt = &allocatedAt
	o.ExpiresAt = &expiresAt
	o.UpdatedAt = time.Now()
	return nil
}

func pendingDispatch(s *Store, limit int) ([]*domain.Order, error) {
	var out []*domain.Order
	for _, o := range s.orders {
		if o.Status != domain.OrderStatusPaymentCompleted {
			continue
		}
		hasLive := false
		for _, tx := range s.transactions {
			if tx.OrderID == o.ID && tx.Status.IsLive() {
				hasLive = true
				break
			}
		}
		if hasLive {
			continue
		}
		cp := *o
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ---- payments ----

type paymentStore Store

func (p *paymentStore) Create(ctx context.Context, payment *domain.Payment) error {
	s := (*Store)(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	return createPayment(s, payment)
}
func (p *paymentStore) Get(ctx context.Context, id string) (*domain.Payment, error) {
	s := (*Store)(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	return getPayment(s, id)
}
func (p *paymentStore) GetByOrderID(ctx context.Context, orderID string) (*domain.Payment, error) {
	s := (*Store)(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	return getPaymentByOrderID(s, orderID)
}
func (p *paymentStore) GetByProcessorSessionID(ctx context.Context, sessionID string) (*domain.Payment, error) {
	s := (*Store)(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	return getPaymentBySessionID(s, sessionID)
}
func (p *paymentStore) GetByProcessorPaymentIntentID(ctx context.Context, intentID string) (*domain.Payment, error) {
	s := (*Store)(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	return getPaymentByIntentID(s, intentID)
}
func (p *paymentStore) SetSessionID(ctx context.Context, id, sessionID, sessionURL string) error {
	s := (*Store)(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	return setPaymentSessionID(s, id, sessionID, sessionURL)
}
func (p *paymentStore) UpdateStatus(ctx context.Context, id string, status domain.PaymentStatus, processorPaymentIntentID, lastError string) error {
	s := (*Store)(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	return updatePaymentStatus(s, id, status, processorPaymentIntentID, lastError)
}

type paymentStoreNoLock txHandle

func (p *paymentStoreNoLock) Create(ctx context.Context, payment *domain.Payment) error {
	return createPayment((*Store)(p), payment)
}
func (p *paymentStoreNoLock) Get(ctx context.Context, id string) (*domain.Payment, error) {
	return getPayment((*Store)(p), id)
}
func (p *paymentStoreNoLock) GetByOrderID(ctx context.Context, orderID string) (*domain.Payment, error) {
	return getPaymentByOrderID((*Store)(p), orderID)
}
func (p *paymentStoreNoLock) GetByProcessorSessionID(ctx context.Context, sessionID string) (*domain.Payment, error) {
	return getPaymentBySessionID((*Store)(p), sessionID)
}
func (p *paymentStoreNoLock) GetByProcessorPaymentIntentID(ctx context.Context, intentID string) (*domain.Payment, error) {
	return getPaymentByIntentID((*Store)(p), intentID)
}
func (p *paymentStoreNoLock) SetSessionID(ctx context.Context, id, sessionID, sessionURL string) error {
	return setPaymentSessionID((*Store)(p), id, sessionID, sessionURL)
}
func (p *paymentStoreNoLock) UpdateStatus(ctx context.Context, id string, status domain.PaymentStatus, processorPaymentIntentID, lastError string) error {
	return updatePaymentStatus((*Store)(p), id, status, processorPaymentIntentID, lastError)
}

func createPayment(s *Store, payment *domain.Payment) error {
	if payment.ID == "" {
		payment.ID = uuid.New().String()
	}
	now := time.Now()
	payment.CreatedAt, payment.UpdatedAt = now, now
	cp := *payment
	s.payments[payment.ID] = &cp
	return nil
}

func getPayment(s *Store, id string) (*domain.Payment, error) {
	p, ok := s.payments[id]
	if !ok {
		return nil, store.ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func getPaymentByOrderID(s *Store, orderID string) (*domain.Payment, error) {
	var latest *domain.Payment
	for _, p := range s.payments {
		if p.OrderID != orderID {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			latest = p
		}
	}
	if latest == nil {
		return nil, store.ErrPaymentNotFound
	}
	cp := *latest
	return &cp, nil
}

func getPaymentBySessionID(s *Store, sessionID string) (*domain.Payment, error) {
	for _, p := range s.payments {
		if p.ProcessorSessionID == sessionID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, store.ErrPaymentNotFound
}

func getPaymentByIntentID(s *Store, intentID string) (*domain.Payment, error) {
	for _, p := range s.payments {
		if p.ProcessorPaymentIntentID == intentID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, store.ErrPaymentNotFound
}

func setPaymentSessionID(s *Store, id, sessionID, sessionURL string) error {
	p, ok := s.payments[id]
	if !ok {
		return store.ErrPaymentNotFound
	}
	p.ProcessorSessionID = sessionID
	p.ProcessorSessionURL = sessionURL
	p.UpdatedAt = time.Now()
	return nil
}

func updatePaymentStatus(s *Store, id string, status domain.PaymentStatus, processorPaymentIntentID, lastError string) error {
	p, ok := s.payments[id]
	if !ok {
		return store.ErrPaymentNotFound
	}
	p.Status = status
	if processorPaymentIntentID != "" {
		p.ProcessorPaymentIntentID = processorPaymentIntentID
	}
	if lastError != "" {
		p.LastProcessorError = lastError
	}
	if status == domain.PaymentStatusSucceeded {
		now := time.Now()
		p.ProcessedAt = &now
	}
	p.UpdatedAt = time.Now()
	return nil
}

// ---- blockchain transactions ----

type txStore Store

func (t *txStore) Create(ctx context.Context, tx *domain.BlockchainTransaction) error {
	s := (*Store)(t)
	s.mu.Lock()
	defer s.mu.Unlock()
	return createTx(s, tx)
}
func (t *txStore) Get(ctx context.Context, id string) (*domain.BlockchainTransaction, error) {
	s := (*Store)(t)
	s.mu.Lock()
	defer s.mu.Unlock()
	return getTx(s, id)
}
func (t *txStore) GetByTxHash(ctx context.Context, txHash string) (*domain.BlockchainTransaction, error) {
	s := (*Store)(t)
	s.mu.Lock()
	defer s.mu.Unlock()
	return getTxByHash(s, txHash)
}
func (t *txStore) GetLiveByOrderID(ctx context.Context, orderID string) (*domain.BlockchainTransaction, error) {
	s := (*Store)(t)
	s.mu.Lock()
	defer s.mu.Unlock()
	return getLiveTxByOrderID(s, orderID)
}
func (t *txStore) GetLatestByOrderID(ctx context.Context, orderID string) (*domain.BlockchainTransaction, error) {
	s := (*Store)(t)
	s.mu.Lock()
	defer s.mu.Unlock()
	return getLatestTxByOrderID(s, orderID)
}
func (t *txStore) UpdateSubmission(ctx context.Context, tx *domain.BlockchainTransaction) error {
	s := (*Store)(t)
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateTxSubmission(s, tx)
}
func (t *txStore) UpdateStatus(ctx context.Context, id string, status domain.TransactionStatus, confirmations int, blockNumber int64, blockHash, statusMessage string) error {
	s := (*Store)(t)
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateTxStatus(s, id, status, confirmations, blockNumber, blockHash, statusMessage)
}
func (t *txStore) MarkFailed(ctx context.Context, id, message string) error {
	s := (*Store)(t)
	s.mu.Lock()
	defer s.mu.Unlock()
	return markTxFailed(s, id, message)
}
func (t *txStore) IncrementRetry(ctx context.Context, id string) (*domain.BlockchainTransaction, error) {
	s := (*Store)(t)
	s.mu.Lock()
	defer s.mu.Unlock()
	return incrementTxRetry(s, id)
}
func (t *txStore) ListByStatus(ctx context.Context, statuses []domain.TransactionStatus, limit int) ([]*domain.BlockchainTransaction, error) {
	s := (*Store)(t)
	s.mu.Lock()
	defer s.mu.Unlock()
	return listTxByStatus(s, statuses, limit)
}

type txStoreNoLock txHandle

func (t *txStoreNoLock) Create(ctx context.Context, tx *domain.BlockchainTransaction) error {
	return createTx((*Store)(t), tx)
}
func (t *txStoreNoLock) Get(ctx context.Context, id string) (*domain.BlockchainTransaction, error) {
	return getTx((*Store)(t), id)
}
func (t *txStoreNoLock) GetByTxHash(ctx context.Context, txHash string) (*domain.BlockchainTransaction, error) {
	return getTxByHash((*Store)(t), txHash)
}
func (t *txStoreNoLock) GetLiveByOrderID(ctx context.Context, orderID string) (*domain.BlockchainTransaction, error) {
	return getLiveTxByOrderID((*Store)(t), orderID)
}
func (t *txStoreNoLock) GetLatestByOrderID(ctx context.Context, orderID string) (*domain.BlockchainTransaction, error) {
	return getLatestTxByOrderID((*Store)(t), orderID)
}
func (t *txStoreNoLock) UpdateSubmission(ctx context.Context, tx *domain.BlockchainTransaction) error {
	return updateTxSubmission((*Store)(t), tx)
}
func (t *txStoreNoLock) UpdateStatus(ctx context.Context, id string, status domain.TransactionStatus, confirmations int, blockNumber int64, blockHash, statusMessage string) error {
	return updateTxStatus((*Store)(t), id, status, confirmations, blockNumber, blockHash, statusMessage)
}
func (t *txStoreNoLock) MarkFailed(ctx context.Context, id, message string) error {
	return markTxFailed((*Store)(t), id, message)
}
func (t *txStoreNoLock) IncrementRetry(ctx context.Context, id string) (*domain.BlockchainTransaction, error) {
	return incrementTxRetry((*Store)(t), id)
}
func (t *txStoreNoLock) ListByStatus(ctx context.Context, statuses []domain.TransactionStatus, limit int) ([]*domain.BlockchainTransaction, error) {
	return listTxByStatus((*Store)(t), statuses, limit)
}

func createTx(s *Store, tx *domain.BlockchainTransaction) error {
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.MaxRetries == 0 {
		tx.MaxRetries = domain.DefaultMaxRetries
	}
	now := time.Now()
	tx.CreatedAt, tx.UpdatedAt = now, now
	cp := *tx
	s.transactions[tx.ID] = &cp
	return nil
}

func getTx(s *Store, id string) (*domain.BlockchainTransaction, error) {
	t, ok := s.transactions[id]
	if !ok {
		return nil, store.ErrTxNotFound
	}
	cp := *t
	return &cp, nil
}

func getTxByHash(s *Store, txHash string) (*domain.BlockchainTransaction, error) {
	for _, t := range s.transactions {
		if t.TxHash == txHash {
			cp := *t
			return &cp, nil
		}
	}
	return nil, store.ErrTxNotFound
}

func getLiveTxByOrderID(s *Store, orderID string) (*domain.BlockchainTransaction, error) {
	for _, t := range s.transactions {
		if t.OrderID == orderID && t.Status.IsLive() {
			cp := *t
			return &cp, nil
		}
	}
	return nil, store.ErrTxNotFound
}

func getLatestTxByOrderID(s *Store, orderID string) (*domain.BlockchainTransaction, error) {
	var latest *domain.BlockchainTransaction
	for _, t := range s.transactions {
		if t.OrderID != orderID {
			continue
		}
		if latest == nil || t.CreatedAt.After(latest.CreatedAt) {
			latest = t
		}
	}
	if latest == nil {
		return nil, store.ErrTxNotFound
	}
	cp := *latest
	return &cp, nil
}

func updateTxSubmission(s *Store, tx *domain.BlockchainTransaction) error {
	existing, ok := s.transactions[tx.ID]
	if !ok {
		return store.ErrTxNotFound
	}
	now := time.Now()
	tx.SubmittedAt = &now
	tx.CreatedAt = existing.CreatedAt
	tx.UpdatedAt = now
	cp := *tx
	s.transactions[tx.ID] = &cp
	return nil
}

func updateTxStatus(s *Store, id string, status domain.TransactionStatus, confirmations int, blockNumber int64, blockHash, statusMessage string) error {
	t, ok := s.transactions[id]
	if !ok {
		return store.ErrTxNotFound
	}
	t.Status = status
	t.Confirmations = confirmations
	t.BlockNumber = blockNumber
	t.BlockHash = blockHash
	t.StatusMessage = statusMessage
	if status == domain.TxStatusConfirmed {
		now := time.Now()
		t.ConfirmedAt = &now
	}
	t.UpdatedAt = time.Now()
	return nil
}

func markTxFailed(s *Store, id, message string) error {
	t, ok := s.transactions[id]
	if !ok {
		return store.ErrTxNotFound
	}
	t.Status = domain.TxStatusFailed
	t.StatusMessage = message
	t.UpdatedAt = time.Now()
	return nil
}

func incrementTxRetry(s *Store, id string) (*domain.BlockchainTransaction, error) {
	t, ok := s.transactions[id]
	if !ok {
		return nil, store.ErrTxNotFound
	}
	if t.Status != domain.TxStatusFailed {
		return nil, &transitionError{id: id, from: string(t.Status), to: string(domain.TxStatusRetrying)}
	}
	if t.RetryCount >= t.MaxRetries {
		return nil, store.ErrConflict
	}
	t.RetryCount++
	now := time.Now()
	t.LastRetryAt = &now
	t.Status = domain.TxStatusRetrying
	t.UpdatedAt = now
	cp := *t
	return &cp, nil
}

func listTxByStatus(s *Store, statuses []domain.TransactionStatus, limit int) ([]*domain.BlockchainTransaction, error) {
	want := make(map[domain.TransactionStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []*domain.BlockchainTransaction
	for _, t := range s.transactions {
		if !want[t.Status] {
			continue
		}
		cp := *t
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ---- provider sync logs ----

type syncLogStore Store

func (l *syncLogStore) Create(ctx context.Context, entry *domain.ProviderSyncLog) error {
	s := (*Store)(l)
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	cp := *entry
	s.syncLogs[entry.ID] = &cp
	return nil
}

func (l *syncLogStore) ListByProvider(ctx context.Context, providerID string, limit int) ([]*domain.ProviderSyncLog, error) {
	s := (*Store)(l)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.ProviderSyncLog
	for _, entry := range s.syncLogs {
		if entry.ProviderID != providerID {
			continue
		}
		cp := *entry
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ---- system config ----

type sysConfigStore Store

func (c *sysConfigStore) Get(ctx context.Context, key string) (string, error) {
	s := (*Store)(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sysConfig[key]
	if !ok {
		return "", store.ErrConfigNotFound
	}
	return entry.Value, nil
}

func (c *sysConfigStore) Set(ctx context.Context, key, value string) error {
	s := (*Store)(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sysConfig[key] = &domain.SystemConfig{Key: key, Value: value, UpdatedAt: time.Now()}
	return nil
}
