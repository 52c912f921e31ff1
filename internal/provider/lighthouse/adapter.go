// Package lighthouse implements provider.Adapter over Lighthouse's HTTP
// upload API, an API-style backend rather than an EVM chain. There is no
// RPC client or signing key here; allocation is an authenticated upload and
// confirmation is a gateway probe.
package lighthouse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/depinlabs/storage-aggregator/internal/adapterlog"
	"github.com/depinlabs/storage-aggregator/internal/provider"
)

const Slug = "lighthouse"

// Config holds everything needed to reach the Lighthouse storage API.
type Config struct {
	APIBaseURL      string // e.g. "https://node.lighthouse.storage/api/v0"
	GatewayBaseURL  string // e.g. "https://gateway.lighthouse.storage/ipfs/"
	APIKey          string
	ExplorerBaseURL string
	HTTPTimeout     time.Duration
}

// Adapter drives Lighthouse's HTTP upload/status API. It has no notion of
// block confirmations: ExecuteStorageTransaction succeeds once the upload is
// accepted and returns a content id, and CheckTransactionStatus polls the
// public gateway until the object is retrievable.
type Adapter struct {
	mu sync.RWMutex

	cfg    Config
	log    *adapterlog.Logger
	client *http.Client

	initialized bool
}

func New(cfg Config) *Adapter {
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 20 * time.Second
	}
	return &Adapter{cfg: cfg, log: adapterlog.New(Slug)}
}

func (a *Adapter) Slug() string { return Slug }

func (a *Adapter) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cfg.APIBaseURL == "" {
		return fmt.Errorf("lighthouse adapter: API base URL is required")
	}
	if a.cfg.APIKey == "" {
		return fmt.Errorf("lighthouse adapter: API key is required")
	}

	a.client = &http.Client{Timeout: a.cfg.HTTPTimeout}
	a.initialized = true
	a.log.Infof("initialized against %s", a.cfg.APIBaseURL)
	return nil
}

func (a *Adapter) IsAvailable(ctx context.Context) bool {
	a.mu.RLock()
	client := a.client
	base := a.cfg.APIBaseURL
	a.mu.RUnlock()
	if client == nil {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, provider.DefaultProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, strings.TrimSuffix(base, "/")+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// GetAvailablePlans returns Lighthouse's published tier list. Lighthouse
// has no per-deal plan negotiation, so this returns the adapter's static
// catalog rather than hitting the network.
func (a *Adapter) GetAvailablePlans(ctx context.Context) ([]provider.Plan, error) {
	return []provider.Plan{
		{ExternalPlanID: "lh-perpetual-5gb", SizeGB: 5, SizeBytes: 5 << 30, DurationDays: 3650, PriceCents: 2_99, Currency: "usd"},
		{ExternalPlanID: "lh-perpetual-50gb", SizeGB: 50, SizeBytes: 50 << 30, DurationDays: 3650, PriceCents: 19_99, Currency: "usd"},
	}, nil
}

func (a *Adapter) SyncPlans(ctx context.Context, sync provider.SyncFunc) (provider.SyncResult, error) {
	plans, err := a.GetAvailablePlans(ctx)
	if err != nil {
		return provider.SyncResult{}, err
	}
	return sync(ctx, Slug, plans)
}

type uploadResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

// ExecuteStorageTransaction uploads a small manifest object describing the
// order to Lighthouse and treats the returned content id as the adapter's
// TxHash; the poller then confirms by polling the public gateway rather
// than a block explorer.
func (a *Adapter) ExecuteStorageTransaction(ctx context.Context, params provider.ExecuteParams) (provider.TxResult, error) {
	alog := a.log.WithOrder(params.OrderID)

	a.mu.RLock()
	initialized := a.initialized
	client := a.client
	base := a.cfg.APIBaseURL
	apiKey := a.cfg.APIKey
	a.mu.RUnlock()

	if !initialized {
		return provider.TxResult{}, fmt.Errorf("lighthouse adapter: not initialized")
	}

	manifest := map[string]interface{}{
		"order_id":    params.OrderID,
		"plan_id":     params.ExternalPlanID,
		"size_bytes":  params.StorageSizeBytes,
		"duration":    params.DurationDays,
		"wallet_addr": params.UserWalletAddr,
	}
	payload, err := json.Marshal(manifest)
	if err != nil {
		return provider.TxResult{}, fmt.Errorf("lighthouse adapter: encode manifest: %w", err)
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", params.OrderID+".json")
	if err != nil {
		return provider.TxResult{}, fmt.Errorf("lighthouse adapter: build upload form: %w", err)
	}
	if _, err := part.Write(payload); err != nil {
		return provider.TxResult{}, fmt.Errorf("lighthouse adapter: write upload form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return provider.TxResult{}, fmt.Errorf("lighthouse adapter: close upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(base, "/")+"/add", &body)
	if err != nil {
		return provider.TxResult{}, fmt.Errorf("lighthouse adapter: build request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return provider.TxResult{}, fmt.Errorf("lighthouse adapter: upload: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.TxResult{}, fmt.Errorf("lighthouse adapter: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return provider.TxResult{Success: false, Error: string(raw)}, fmt.Errorf("lighthouse adapter: upload failed with status %d", resp.StatusCode)
	}

	var uploaded uploadResponse
	if err := json.Unmarshal(raw, &uploaded); err != nil {
		return provider.TxResult{}, fmt.Errorf("lighthouse adapter: decode response: %w", err)
	}
	if uploaded.Hash == "" {
		return provider.TxResult{}, fmt.Errorf("lighthouse adapter: upload response carried no content id")
	}

	alog.WithTxHash(uploaded.Hash).Infof("uploaded manifest, content id assigned")

	return provider.TxResult{
		Success:         true,
		TxHash:          uploaded.Hash,
		Status:          provider.StatusSubmitted,
		StorageID:       uploaded.Hash,
		StorageEndpoint: a.cfg.GatewayBaseURL,
		RawResponse:     string(raw),
	}, nil
}

// CheckTransactionStatus probes the public gateway for the uploaded object.
// Lighthouse has no confirmation-depth concept, so a single successful HEAD
// is treated as immediately CONFIRMED (pins propagate before the gateway
// answers) and a 404 as still CONFIRMING until it does.
func (a *Adapter) CheckTransactionStatus(ctx context.Context, txHash string) (provider.StatusResult, error) {
	a.mu.RLock()
	client := a.client
	gateway := a.cfg.GatewayBaseURL
	a.mu.RUnlock()
	if client == nil {
		return provider.StatusResult{}, fmt.Errorf("lighthouse adapter: not initialized")
	}
	if gateway == "" {
		return provider.StatusResult{}, fmt.Errorf("lighthouse adapter: no gateway configured")
	}

	url := strings.TrimSuffix(gateway, "/") + "/" + txHash
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return provider.StatusResult{}, fmt.Errorf("lighthouse adapter: build probe request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return provider.StatusResult{Status: provider.StatusConfirming, StatusMessage: "gateway unreachable"}, nil
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return provider.StatusResult{Status: provider.StatusConfirmed, Confirmations: 1, StatusMessage: "pinned and retrievable"}, nil
	case resp.StatusCode == http.StatusNotFound:
		return provider.StatusResult{Status: provider.StatusConfirming, StatusMessage: "not yet propagated"}, nil
	default:
		return provider.StatusResult{Status: provider.StatusConfirming, StatusMessage: fmt.Sprintf("gateway returned %d", resp.StatusCode)}, nil
	}
}

func (a *Adapter) GetTransactionExplorerUrl(txHash string) string {
	base := a.cfg.ExplorerBaseURL
	if base == "" {
		base = a.cfg.GatewayBaseURL
	}
	if base == "" {
		return ""
	}
	return strings.TrimSuffix(base, "/") + "/" + txHash
}
