// Package greenfield implements provider.Adapter over BNB Greenfield's EVM
// execution layer. It shares the submission shape of
// internal/provider/filecoin but carries its own confirmation threshold and
// bucket-style calldata, since Greenfield finalizes faster than Filecoin's
// FEVM.
package greenfield

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/depinlabs/storage-aggregator/internal/adapterlog"
	"github.com/depinlabs/storage-aggregator/internal/provider"
)

const Slug = "greenfield"

// RequiredConfirmations is lower than Filecoin's: Greenfield blocks finalize
// in single-digit seconds under its CometBFT consensus.
const RequiredConfirmations = 3

type Config struct {
	RPCURL          string
	ChainID         int64
	PrivateKeyHex   string
	BucketManagerAddr string
	ExplorerBaseURL string
	GasLimit        uint64
	AllowMockTx     bool
}

// Adapter creates storage buckets/objects via Greenfield's EVM-compatible
// precompile contracts and polls receipts for confirmation depth.
type Adapter struct {
	mu sync.RWMutex

	cfg    Config
	log    *adapterlog.Logger
	client *ethclient.Client

	chainID       *big.Int
	privateKey    *ecdsa.PrivateKey
	fromAddr      common.Address
	bucketManager common.Address

	initialized bool
}

func New(cfg Config) *Adapter {
	return &Adapter{cfg: cfg, log: adapterlog.New(Slug)}
}

func (a *Adapter) Slug() string { return Slug }

func (a *Adapter) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cfg.RPCURL == "" {
		return fmt.Errorf("greenfield adapter: RPC endpoint is required")
	}

	client, err := ethclient.Dial(a.cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("greenfield adapter: connect to RPC: %w", err)
	}
	a.client = client

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	chainID, err := client.ChainID(dialCtx)
	if err != nil {
		return fmt.Errorf("greenfield adapter: get chain id: %w", err)
	}
	a.chainID = chainID

	if a.cfg.PrivateKeyHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(a.cfg.PrivateKeyHex, "0x"))
		if err != nil {
			return fmt.Errorf("greenfield adapter: invalid private key: %w", err)
		}
		a.privateKey = key
		a.fromAddr = crypto.PubkeyToAddress(key.PublicKey)
	}

	if a.cfg.BucketManagerAddr != "" {
		if !common.IsHexAddress(a.cfg.BucketManagerAddr) {
			return fmt.Errorf("greenfield adapter: invalid bucket manager address %q", a.cfg.BucketManagerAddr)
		}
		a.bucketManager = common.HexToAddress(a.cfg.BucketManagerAddr)
	}

	a.initialized = true
	a.log.Infof("initialized against chain id %s", chainID)
	return nil
}

func (a *Adapter) IsAvailable(ctx context.Context) bool {
	a.mu.RLock()
	client := a.client
	a.mu.RUnlock()
	if client == nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, provider.DefaultProbeTimeout)
	defer cancel()
	_, err := client.BlockNumber(probeCtx)
	return err == nil
}

// GetAvailablePlans returns the Greenfield bucket tiers the platform
// resells. Like the Filecoin adapter, there is no remote plan registry; the
// static list below is the catalog of record.
func (a *Adapter) GetAvailablePlans(ctx context.Context) ([]provider.Plan, error) {
	return []provider.Plan{
		{ExternalPlanID: "gf-basic-10gb", SizeGB: 10, SizeBytes: 10 << 30, DurationDays: 90, PriceCents: 1_49, PriceNative: "0.002", Currency: "usd"},
		{ExternalPlanID: "gf-pro-500gb", SizeGB: 500, SizeBytes: 500 << 30, DurationDays: 365, PriceCents: 12_99, PriceNative: "0.1", Currency: "usd"},
	}, nil
}

func (a *Adapter) SyncPlans(ctx context.Context, sync provider.SyncFunc) (provider.SyncResult, error) {
	plans, err := a.GetAvailablePlans(ctx)
	if err != nil {
		return provider.SyncResult{}, err
	}
	return sync(ctx, Slug, plans)
}

func (a *Adapter) ExecuteStorageTransaction(ctx context.Context, params provider.ExecuteParams) (provider.TxResult, error) {
	alog := a.log.WithOrder(params.OrderID)

	a.mu.RLock()
	initialized := a.initialized
	client := a.client
	key := a.privateKey
	chainID := a.chainID
	from := a.fromAddr
	to := a.bucketManager
	gasLimit := a.cfg.GasLimit
	allowMock := a.cfg.AllowMockTx
	a.mu.RUnlock()

	if !initialized {
		return provider.TxResult{}, fmt.Errorf("greenfield adapter: not initialized")
	}

	if key == nil {
		if !allowMock {
			return provider.TxResult{}, fmt.Errorf("greenfield adapter: no signing key configured")
		}
		alog.Warnf("no signing key configured, returning mock transaction")
		bucket := mockBucketName(params.OrderID)
		return provider.TxResult{
			Success:   true,
			TxHash:    mockTxHash(params.OrderID),
			Status:    provider.StatusSubmitted,
			StorageID: bucket,
		}, nil
	}

	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return provider.TxResult{}, fmt.Errorf("greenfield adapter: create transactor: %w", err)
	}

	nonce, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		return provider.TxResult{}, fmt.Errorf("greenfield adapter: get nonce: %w", err)
	}

	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return provider.TxResult{}, fmt.Errorf("greenfield adapter: suggest gas price: %w", err)
	}

	bucket := mockBucketName(params.OrderID)
	data := []byte(fmt.Sprintf("bucket:%s;plan:%s;bytes:%d;days:%d", bucket, params.ExternalPlanID, params.StorageSizeBytes, params.DurationDays))

	msg := ethereum.CallMsg{From: from, To: &to, Data: data}
	estimated, err := client.EstimateGas(ctx, msg)
	if err != nil {
		alog.Warnf("gas estimation failed, falling back to configured limit: %v", err)
		estimated = gasLimit
	}
	gasLimitWithBuffer := estimated * 2
	if gasLimit > 0 && gasLimitWithBuffer < gasLimit {
		gasLimitWithBuffer = gasLimit
	}

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimitWithBuffer, gasPrice, data)
	signed, err := auth.Signer(from, tx)
	if err != nil {
		return provider.TxResult{}, fmt.Errorf("greenfield adapter: sign transaction: %w", err)
	}

	if err := client.SendTransaction(ctx, signed); err != nil {
		return provider.TxResult{}, fmt.Errorf("greenfield adapter: send transaction: %w", err)
	}

	txHash := signed.Hash().Hex()
	alog.WithTxHash(txHash).Infof("submitted bucket creation transaction")

	return provider.TxResult{
		Success:   true,
		TxHash:    txHash,
		Status:    provider.StatusSubmitted,
		Nonce:     nonce,
		StorageID: bucket,
	}, nil
}

func (a *Adapter) CheckTransactionStatus(ctx context.Context, txHash string) (provider.StatusResult, error) {
	a.mu.RLock()
	client := a.client
	a.mu.RUnlock()
	if client == nil {
		return provider.StatusResult{}, fmt.Errorf("greenfield adapter: not initialized")
	}

	hash := common.HexToHash(txHash)
	receipt, err := client.TransactionReceipt(ctx, hash)
	if err != nil {
		if err == ethereum.NotFound {
			return provider.StatusResult{Status: provider.StatusSubmitted, StatusMessage: "pending inclusion"}, nil
		}
		return provider.StatusResult{}, fmt.Errorf("greenfield adapter: get receipt: %w", err)
	}

	current, err := client.BlockNumber(ctx)
	if err != nil {
		return provider.StatusResult{}, fmt.Errorf("greenfield adapter: get block number: %w", err)
	}

	confirmations := int(current - receipt.BlockNumber.Uint64())
	result := provider.StatusResult{
		Confirmations: confirmations,
		BlockNumber:   receipt.BlockNumber.Int64(),
		BlockHash:     receipt.BlockHash.Hex(),
		GasUsed:       receipt.GasUsed,
	}

	if receipt.Status == 0 {
		result.Status = provider.StatusFailed
		result.StatusMessage = "transaction reverted"
		return result, nil
	}

	if confirmations >= RequiredConfirmations {
		result.Status = provider.StatusConfirmed
		result.StatusMessage = "confirmed"
	} else {
		result.Status = provider.StatusConfirming
		result.StatusMessage = fmt.Sprintf("%d/%d confirmations", confirmations, RequiredConfirmations)
	}
	return result, nil
}

func (a *Adapter) GetTransactionExplorerUrl(txHash string) string {
	if a.cfg.ExplorerBaseURL == "" {
		return ""
	}
	return strings.TrimSuffix(a.cfg.ExplorerBaseURL, "/") + "/" + txHash
}

func mockTxHash(orderID string) string {
	h := crypto.Keccak256([]byte("mock-gnfd:" + orderID))
	return common.BytesToHash(h).Hex()
}

func mockBucketName(orderID string) string {
	return "order-" + strings.ToLower(strings.ReplaceAll(orderID, "_", "-"))
}
