package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	klog "github.com/TomAFrench/vector/internal/log"
	"github.com/TomAFrench/vector/pkg/definitions"
	"github.com/TomAFrench/vector/pkg/types"
)

// Channel multisig call signatures.
var (
	selTotalDepositsAlice = gethcrypto.Keccak256([]byte("getTotalDepositsAlice(address)"))[:4]
	selTotalDepositsBob   = gethcrypto.Keccak256([]byte("getTotalDepositsBob(address)"))[:4]
	selChannelDispute     = gethcrypto.Keccak256([]byte("getChannelDispute()"))[:4]
)

var (
	addressArg = abi.Arguments{{Type: mustType("address")}}
	uint256Arg = abi.Arguments{{Type: mustType("uint256")}}
	disputeRet = abi.Arguments{
		{Type: mustType("bytes32")},
		{Type: mustType("uint256")},
		{Type: mustType("bytes32")},
		{Type: mustType("uint256")},
		{Type: mustType("uint256")},
	}
)

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Sprintf("abi type %q: %v", t, err))
	}
	return typ
}

// EthReader implements Reader against EVM JSON-RPC providers, one per
// configured chain. Clients are dialed lazily and cached.
type EthReader struct {
	providers  map[uint64]string
	registries map[uint64]*definitions.Registry
	logger     zerolog.Logger

	mu      sync.Mutex
	clients map[uint64]*ethclient.Client
}

// NewEthReader creates a reader over the configured providers.
func NewEthReader(providers map[uint64]string, registries map[uint64]*definitions.Registry) *EthReader {
	return &EthReader{
		providers:  providers,
		registries: registries,
		logger:     klog.Chain,
		clients:    make(map[uint64]*ethclient.Client),
	}
}

func (r *EthReader) client(chainId uint64) (*ethclient.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if client, ok := r.clients[chainId]; ok {
		return client, nil
	}
	url, ok := r.providers[chainId]
	if !ok {
		return nil, fmt.Errorf("no provider configured for chain %d", chainId)
	}
	client, err := ethclient.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial chain %d: %w", chainId, err)
	}
	r.clients[chainId] = client
	return client, nil
}

// GetChannelAddress implements Reader.
func (r *EthReader) GetChannelAddress(alice, bob types.Address, chainId uint64, factory types.Address) (types.Hash, error) {
	return ChannelAddress(alice, bob, chainId, factory), nil
}

// Definitions implements Reader.
func (r *EthReader) Definitions(chainId uint64) (*definitions.Registry, error) {
	registry, ok := r.registries[chainId]
	if !ok {
		return nil, fmt.Errorf("no definitions registered for chain %d", chainId)
	}
	return registry, nil
}

// GetRegisteredTransfers implements Reader.
func (r *EthReader) GetRegisteredTransfers(_ context.Context, chainId uint64) ([]definitions.Info, error) {
	registry, err := r.Definitions(chainId)
	if err != nil {
		return nil, err
	}
	return registry.Infos(), nil
}

// contractAddress maps a 32-byte channel address onto its deployed
// 20-byte contract account.
func contractAddress(channelAddress types.Hash) common.Address {
	return common.BytesToAddress(channelAddress[types.HashSize-types.AddressSize:])
}

// LatestDepositByAssetId implements Reader. A channel whose multisig is
// not yet deployed reports zero totals.
func (r *EthReader) LatestDepositByAssetId(ctx context.Context, chainId uint64, channelAddress types.Hash, assetId types.Address) (*big.Int, *big.Int, error) {
	client, err := r.client(chainId)
	if err != nil {
		return nil, nil, types.WrapError(err, "chain client")
	}

	alice, err := r.callDepositTotal(ctx, client, channelAddress, assetId, selTotalDepositsAlice)
	if err != nil {
		return nil, nil, err
	}
	bob, err := r.callDepositTotal(ctx, client, channelAddress, assetId, selTotalDepositsBob)
	if err != nil {
		return nil, nil, err
	}
	return alice, bob, nil
}

func (r *EthReader) callDepositTotal(ctx context.Context, client *ethclient.Client, channelAddress types.Hash, assetId types.Address, selector []byte) (*big.Int, error) {
	input, err := addressArg.Pack(common.BytesToAddress(assetId[:]))
	if err != nil {
		return nil, fmt.Errorf("pack deposit call: %w", err)
	}
	to := contractAddress(channelAddress)
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: append(append([]byte{}, selector...), input...)}, nil)
	if err != nil {
		return nil, types.WrapError(err, "deposit total call", "channelAddress", channelAddress.String())
	}
	if len(out) == 0 {
		// Multisig not deployed yet: nothing has been deposited onchain.
		return new(big.Int), nil
	}
	values, err := uint256Arg.Unpack(out)
	if err != nil {
		return nil, fmt.Errorf("unpack deposit total: %w", err)
	}
	return values[0].(*big.Int), nil
}

// GetChannelDispute implements Reader.
func (r *EthReader) GetChannelDispute(ctx context.Context, chainId uint64, channelAddress types.Hash) (*types.ChannelDispute, error) {
	client, err := r.client(chainId)
	if err != nil {
		return nil, types.WrapError(err, "chain client")
	}
	to := contractAddress(channelAddress)
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: append([]byte{}, selChannelDispute...)}, nil)
	if err != nil {
		return nil, types.WrapError(err, "dispute call", "channelAddress", channelAddress.String())
	}
	if len(out) == 0 {
		return nil, nil
	}
	values, err := disputeRet.Unpack(out)
	if err != nil {
		return nil, fmt.Errorf("unpack dispute: %w", err)
	}

	stateHash := values[0].([32]byte)
	merkleRoot := values[2].([32]byte)
	dispute := &types.ChannelDispute{
		ChannelAddress:   channelAddress,
		ChannelStateHash: types.Hash(stateHash),
		Nonce:            values[1].(*big.Int).Uint64(),
		MerkleRoot:       types.Hash(merkleRoot),
		ConsensusExpiry:  values[3].(*big.Int).Uint64(),
		DefundExpiry:     values[4].(*big.Int).Uint64(),
	}
	if dispute.Nonce == 0 {
		return nil, nil
	}
	return dispute, nil
}

// GetSyncing implements Reader.
func (r *EthReader) GetSyncing(ctx context.Context, chainId uint64) (bool, error) {
	client, err := r.client(chainId)
	if err != nil {
		return false, types.WrapError(err, "chain client")
	}
	progress, err := client.SyncProgress(ctx)
	if err != nil {
		return false, types.WrapError(err, "sync progress")
	}
	return progress != nil, nil
}

// Resolve implements Reader.
func (r *EthReader) Resolve(_ context.Context, chainId uint64, definition types.Address, state, resolver json.RawMessage, balance types.Balance) (types.Balance, error) {
	registry, err := r.Definitions(chainId)
	if err != nil {
		return types.Balance{}, err
	}
	return resolveWithRegistry(registry, definition, state, resolver, balance)
}
