package domain

import "time"

// User is a buyer. Email is unique and always stored lowercased; the
// processor customer id is cached here after first purchase.
type User struct {
	ID                    string
	Email                 string
	WalletAddress         string
	ProcessorCustomerID   string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Provider is a decentralized-storage backend registered in the system.
// Slug is the stable external identifier used by the provider.Registry.
type Provider struct {
	ID        string
	Slug      string
	Name      string
	Network   NetworkType
	ChainID   string
	Status    ProviderStatus
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StoragePlan is a purchasable offering of a Provider. (ProviderID,
// ExternalPlanID) is unique.
type StoragePlan struct {
	ID             string
	ProviderID     string
	ExternalPlanID string
	SizeGB         uint64
	SizeBytes      uint64
	DurationDays   int
	PriceCents     int64
	PriceNative    string
	Currency       string
	Status         PlanStatus
	Active         bool
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Order is the aggregate root of the purchase workflow. Size/duration/price
// are snapshotted from the plan at creation time and never change
// afterwards, even if the referenced plan is later mutated.
type Order struct {
	ID              string
	OrderNumber     string
	UserID          string
	ProviderID      string
	PlanID          string
	SizeGB          uint64
	SizeBytes       uint64
	DurationDays    int
	PriceCents      int64
	Currency        string
	Status          OrderStatus
	StatusMessage   string
	IdempotencyKey  string
	StorageID       string
	StorageEndpoint string
	StorageMetadata map[string]string
	PaidAt          *time.Time
	AllocatedAt     *time.Time
	ExpiresAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Payment tracks one fiat-processor charge attempt against an Order. An
// Order has at most one live (PENDING/PROCESSING/SUCCEEDED) Payment at a
// time; additional Payments are only created after a prior
// one reaches FAILED or CANCELLED.
type Payment struct {
	ID                       string
	OrderID                  string
	UserID                   string
	AmountCents              int64
	Currency                 string
	ProcessorPaymentIntentID string
	ProcessorSessionID       string
	ProcessorSessionURL      string
	Status                   PaymentStatus
	IdempotencyKey           string
	LastProcessorError       string
	ProcessedAt              *time.Time
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// BlockchainTransaction tracks one allocation submission for an Order. At
// most one non-FAILED transaction exists per order at any time
//; TxHash is non-empty once Status >= SUBMITTED.
type BlockchainTransaction struct {
	ID             string
	OrderID        string
	ProviderID     string
	Network        NetworkType
	ChainID        string
	TxHash         string
	Status         TransactionStatus
	Confirmations  int
	RetryCount     int
	MaxRetries     int
	LastRetryAt    *time.Time
	BlockNumber    int64
	BlockHash      string
	GasUsed        uint64
	Nonce          uint64
	StatusMessage  string
	SubmittedAt    *time.Time
	ConfirmedAt    *time.Time
	RawResponse    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DefaultMaxRetries is the default retry budget for a failed
// BlockchainTransaction.
const DefaultMaxRetries = 3

// ProviderSyncLog records one invocation of a provider's SyncPlans
// reconciliation.
type ProviderSyncLog struct {
	ID        string
	ProviderID string
	StartedAt time.Time
	FinishedAt *time.Time
	Added     int
	Updated   int
	Removed   int
	Errors    []string
}

// SystemConfig is an operator-tunable key/value setting mirroring the
// service's environment variables (e.g. PROVIDER_SYNC_CRON).
type SystemConfig struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}
