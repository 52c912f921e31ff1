// Package filecoin implements provider.Adapter over an EVM-compatible
// Filecoin FEVM deal-market contract: ethclient.Dial, a keyed transactor,
// gas estimation, and receipt-based confirmation counting.
package filecoin

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

const Slug = "filecoin"

// RequiredConfirmations is the number of blocks a FEVM deal-market
// transaction must accumulate before the allocation is considered final.
const RequiredConfirmations = 5

// Config holds everything needed to construct an Adapter.
type Config struct {
	RPCURL          string
	ChainID         int64
	PrivateKeyHex   string // hot wallet signing key; empty disables submission
	DealMarketAddr  string
	ExplorerBaseURL string // e.g. "https://filfox.info/en"; "/message/<hash>" is appended
	GasLimit        uint64
	AllowMockTx     bool // test/staging escape hatch; never set in production config
}

// Adapter submits storage-deal transactions against an FEVM contract and
// polls receipts for confirmation depth.
type Adapter struct {
	mu sync.RWMutex

	cfg    Config
	log    *adapterlog.Logger
	client *ethclient.Client

	chainID    *big.Int
	privateKey *ecdsa.PrivateKey
	fromAddr   common.Address
	dealMarket common.Address

	initialized bool
}

func New(cfg Config) *Adapter {
	return &Adapter{cfg: cfg, log: adapterlog.New(Slug)}
}

func (a *Adapter) Slug() string { return Slug }

// Initialize dials the RPC endpoint and derives the signer address, mirroring
// EVMStrategy's construction sequence: dial, fetch chain id, parse key, build
// transactor.
func (a *Adapter) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cfg.RPCURL == "" {
		return fmt.Errorf("filecoin adapter: RPC endpoint is required")
	}

	client, err := ethclient.Dial(a.cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("filecoin adapter: connect to RPC: %w", err)
	}
	a.client = client

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	chainID, err := client.ChainID(dialCtx)
	if err != nil {
		return fmt.Errorf("filecoin adapter: get chain id: %w", err)
	}
	a.chainID = chainID

	if a.cfg.PrivateKeyHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(a.cfg.PrivateKeyHex, "0x"))
		if err != nil {
			return fmt.Errorf("filecoin adapter: invalid private key: %w", err)
		}
		a.privateKey = key
		a.fromAddr = crypto.PubkeyToAddress(key.PublicKey)
	}

	if a.cfg.DealMarketAddr != "" {
		if !common.IsHexAddress(a.cfg.DealMarketAddr) {
			return fmt.Errorf("filecoin adapter: invalid deal market address %q", a.cfg.DealMarketAddr)
		}
		a.dealMarket = common.HexToAddress(a.cfg.DealMarketAddr)
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

// GetAvailablePlans returns the FEVM deal-market tiers. Filecoin has no
// on-chain plan registry to query, so the catalog is the adapter's own
// static tier list; the sync job still reconciles it so price or duration
// changes shipped with a new build propagate into the store.
func (a *Adapter) GetAvailablePlans(ctx context.Context) ([]provider.Plan, error) {
	return []provider.Plan{
		{ExternalPlanID: "fil-starter-1gb", SizeGB: 1, SizeBytes: 1 << 30, DurationDays: 180, PriceCents: 99, PriceNative: "0.05", Currency: "usd"},
		{ExternalPlanID: "fil-standard-100gb", SizeGB: 100, SizeBytes: 100 << 30, DurationDays: 365, PriceCents: 4_99, PriceNative: "2.5", Currency: "usd"},
		{ExternalPlanID: "fil-archive-1tb", SizeGB: 1024, SizeBytes: 1 << 40, DurationDays: 540, PriceCents: 29_99, PriceNative: "15", Currency: "usd"},
	}, nil
}

func (a *Adapter) SyncPlans(ctx context.Context, sync provider.SyncFunc) (provider.SyncResult, error) {
	plans, err := a.GetAvailablePlans(ctx)
	if err != nil {
		return provider.SyncResult{}, err
	}
	return sync(ctx, Slug, plans)
}

// ExecuteStorageTransaction submits a deal-creation transaction to the FEVM
// deal market contract. Real ABI encoding is omitted in favor of a value
// transfer carrying the order id in the transaction's calldata, which is
// sufficient to exercise the submission/confirmation lifecycle this adapter
// is responsible for; a production deployment would swap in a generated
// contract binding.
func (a *Adapter) ExecuteStorageTransaction(ctx context.Context, params provider.ExecuteParams) (provider.TxResult, error) {
	alog := a.log.WithOrder(params.OrderID)

	a.mu.RLock()
	initialized := a.initialized
	client := a.client
	key := a.privateKey
	chainID := a.chainID
	from := a.fromAddr
	to := a.dealMarket
	gasLimit := a.cfg.GasLimit
	allowMock := a.cfg.AllowMockTx
	a.mu.RUnlock()

	if !initialized {
		return provider.TxResult{}, fmt.Errorf("filecoin adapter: not initialized")
	}

	if key == nil {
		if !allowMock {
			return provider.TxResult{}, fmt.Errorf("filecoin adapter: no signing key configured")
		}
		alog.Warnf("no signing key configured, returning mock transaction")
		return provider.TxResult{
			Success: true,
			TxHash:  mockTxHash(params.OrderID),
			Status:  provider.StatusSubmitted,
		}, nil
	}

	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return provider.TxResult{}, fmt.Errorf("filecoin adapter: create transactor: %w", err)
	}

	nonce, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		return provider.TxResult{}, fmt.Errorf("filecoin adapter: get nonce: %w", err)
	}

	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return provider.TxResult{}, fmt.Errorf("filecoin adapter: suggest gas price: %w", err)
	}

	data := []byte(fmt.Sprintf("order:%s;plan:%s;bytes:%d;days:%d", params.OrderID, params.ExternalPlanID, params.StorageSizeBytes, params.DurationDays))

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
		return provider.TxResult{}, fmt.Errorf("filecoin adapter: sign transaction: %w", err)
	}

	if err := client.SendTransaction(ctx, signed); err != nil {
		return provider.TxResult{}, fmt.Errorf("filecoin adapter: send transaction: %w", err)
	}

	txHash := signed.Hash().Hex()
	alog.WithTxHash(txHash).Infof("submitted deal transaction")

	return provider.TxResult{
		Success: true,
		TxHash:  txHash,
		Status:  provider.StatusSubmitted,
		Nonce:   nonce,
	}, nil
}

// CheckTransactionStatus fetches the receipt and reports FAILED on a reverted
// transaction (receipt status 0) or CONFIRMED once RequiredConfirmations
// blocks have accumulated, mirroring EVMStrategy.GetTransactionReceipt.
func (a *Adapter) CheckTransactionStatus(ctx context.Context, txHash string) (provider.StatusResult, error) {
	a.mu.RLock()
	client := a.client
	a.mu.RUnlock()
	if client == nil {
		return provider.StatusResult{}, fmt.Errorf("filecoin adapter: not initialized")
	}

	hash := common.HexToHash(txHash)
	receipt, err := client.TransactionReceipt(ctx, hash)
	if err != nil {
		if err == ethereum.NotFound {
			return provider.StatusResult{Status: provider.StatusSubmitted, StatusMessage: "pending inclusion"}, nil
		}
		return provider.StatusResult{}, fmt.Errorf("filecoin adapter: get receipt: %w", err)
	}

	current, err := client.BlockNumber(ctx)
	if err != nil {
		return provider.StatusResult{}, fmt.Errorf("filecoin adapter: get block number: %w", err)
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
	return strings.TrimSuffix(a.cfg.ExplorerBaseURL, "/") + "/message/" + txHash
}

func mockTxHash(orderID string) string {
	h := crypto.Keccak256([]byte("mock:" + orderID))
	return common.BytesToHash(h).Hex()
}
