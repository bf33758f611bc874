package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/jasperdg/session-change-monitoring/internal/storage"
)

const (
	erc4626ABIJSON = `[{"inputs":[{"internalType":"uint256","name":"assets","type":"uint256"}],"name":"previewDeposit","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`

	// VaultCategory tags samples read from a vault contract.
	VaultCategory = "onchain"
)

var erc4626ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc4626ABIJSON))
	if err != nil {
		panic("failed to parse ERC-4626 ABI: " + err.Error())
	}
	erc4626ABI = parsed
}

// chainReader is the subset of ethclient.Client used by Vault.
type chainReader interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// VaultOptions parameterise the on-chain fetcher.
type VaultOptions struct {
	Name          string
	RPCURL        string
	Address       string
	AssetDecimals int
	ShareDecimals int
	Timeout       time.Duration
}

// Vault samples the share price of an ERC-4626 vault: the shares minted for
// one whole unit of the underlying asset.
type Vault struct {
	opts      VaultOptions
	logger    zerolog.Logger
	client    chainReader
	clientMux sync.Mutex
	now       func() time.Time
}

// NewVault builds a vault fetcher. Decimals default to 18.
func NewVault(opts VaultOptions, logger zerolog.Logger) *Vault {
	if opts.AssetDecimals <= 0 {
		opts.AssetDecimals = 18
	}
	if opts.ShareDecimals <= 0 {
		opts.ShareDecimals = 18
	}
	if opts.Name == "" {
		opts.Name = "vault"
	}
	return &Vault{
		opts:   opts,
		logger: logger.With().Str("component", "vault_fetcher").Str("vault", opts.Name).Logger(),
		now:    time.Now,
	}
}

// Name identifies the vault in logs and metrics.
func (v *Vault) Name() string { return v.opts.Name }

type vaultRaw struct {
	Vault       string `json:"vault"`
	BlockNumber uint64 `json:"block_number"`
	Assets      string `json:"assets"`
	Shares      string `json:"shares"`
}

// Fetch calls previewDeposit and returns the share price as a sample.
func (v *Vault) Fetch(ctx context.Context) (storage.NewSample, error) {
	if v.opts.RPCURL == "" && v.client == nil {
		return storage.NewSample{}, errors.New("ethereum rpc url not configured")
	}
	if v.opts.Address == "" {
		return storage.NewSample{}, errors.New("vault contract address not configured")
	}

	timeout := v.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := v.getClient(ctx)
	if err != nil {
		return storage.NewSample{}, err
	}

	addr := common.HexToAddress(v.opts.Address)
	assets := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(v.opts.AssetDecimals)), nil)

	payload, err := erc4626ABI.Pack("previewDeposit", assets)
	if err != nil {
		return storage.NewSample{}, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return storage.NewSample{}, fmt.Errorf("call previewDeposit: %w", err)
	}

	outputs, err := erc4626ABI.Unpack("previewDeposit", res)
	if err != nil {
		return storage.NewSample{}, err
	}
	if len(outputs) != 1 {
		return storage.NewSample{}, errors.New("unexpected previewDeposit response")
	}
	shares, ok := outputs[0].(*big.Int)
	if !ok {
		return storage.NewSample{}, errors.New("failed to decode previewDeposit output")
	}

	rate := decimal.NewFromBigInt(shares, -int32(v.opts.ShareDecimals))
	if rate.IsZero() {
		return storage.NewSample{}, errors.New("previewDeposit returned zero shares")
	}

	blockNumber, err := client.BlockNumber(ctx)
	if err != nil {
		return storage.NewSample{}, fmt.Errorf("read block number: %w", err)
	}

	raw, err := json.Marshal(vaultRaw{
		Vault:       addr.Hex(),
		BlockNumber: blockNumber,
		Assets:      assets.String(),
		Shares:      shares.String(),
	})
	if err != nil {
		return storage.NewSample{}, err
	}

	category := VaultCategory
	v.logger.Debug().Str("rate", rate.String()).Uint64("block", blockNumber).Msg("vault rate fetched")

	return storage.NewSample{
		Value:       rate.InexactFloat64(),
		Category:    &category,
		Timestamp:   v.now().UTC(),
		SourcesUsed: []string{v.opts.Name},
		RawPayload:  raw,
	}, nil
}

func (v *Vault) getClient(ctx context.Context) (chainReader, error) {
	v.clientMux.Lock()
	defer v.clientMux.Unlock()

	if v.client != nil {
		return v.client, nil
	}

	client, err := ethclient.DialContext(ctx, v.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	v.client = client
	return client, nil
}

var _ SampleFetcher = (*Vault)(nil)
