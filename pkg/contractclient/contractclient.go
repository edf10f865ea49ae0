// Package contractclient wraps a single deployed contract (address + ABI)
// over a shared ethclient connection, exposing the read/write/decode
// surface the chain adapters build on. It generalizes the teacher's
// ContractClient (referenced throughout blackhole.go as `tokenClient`,
// `swapClient`, `poolClient`, etc., but never itself retrieved in source
// form) to an arbitrary contract instead of one fixed DEX deployment.
package contractclient

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// TxType selects the gas/nonce strategy Send uses when building a
// transaction. Standard is EIP-1559 dynamic-fee; the teacher's code
// references `types.Standard` at every Send call site.
type TxType int

const (
	Standard TxType = iota
	Legacy
)

// DecodedCall is the result of unpacking a method's input calldata.
type DecodedCall struct {
	MethodName string
	Inputs     map[string]interface{}
}

// ContractClient is the uniform surface the chain adapters and the
// orchestrator's domain logic call through for one contract instance.
// Matches the call shape exercised by the teacher's (unretrieved)
// contractclient_test.go: Call, Send, Abi, ParseReceipt, DecodeTransaction,
// TransactionData.
type ContractClient interface {
	Address() common.Address
	Abi() *abi.ABI
	Call(from *common.Address, method string, args ...interface{}) ([]interface{}, error)
	Send(txType TxType, gasLimit uint64, from common.Address, pk *ecdsa.PrivateKey, method string, args ...interface{}) (common.Hash, error)
	SendRaw(txType TxType, gasLimit uint64, from common.Address, pk *ecdsa.PrivateKey, data []byte) (common.Hash, error)
	TransactionData(txHash common.Hash) ([]byte, error)
	DecodeTransaction(data []byte) (*DecodedCall, error)
	ParseReceipt(receipt *gethtypes.Receipt) ([]map[string]interface{}, error)
	ParseLogs(logs []*gethtypes.Log) ([]map[string]interface{}, error)
}

// Client is the concrete ContractClient backed by a live ethclient.
type Client struct {
	client  *ethclient.Client
	address common.Address
	abi     abi.ABI
	chainID *big.Int
}

// NewContractClient builds a Client for one contract deployment.
func NewContractClient(client *ethclient.Client, address common.Address, contractABI abi.ABI) *Client {
	return &Client{client: client, address: address, abi: contractABI}
}

func (c *Client) Address() common.Address { return c.address }

func (c *Client) Abi() *abi.ABI { return &c.abi }

// Call performs a read-only eth_call against the contract and unpacks
// the result into Go values.
func (c *Client) Call(from *common.Address, method string, args ...interface{}) ([]interface{}, error) {
	packed, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereumCallMsg(from, c.address, packed)
	out, err := c.client.CallContract(context.Background(), msg, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	result, err := c.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s result: %w", method, err)
	}
	return result, nil
}

// Send signs and broadcasts a contract-method call. gasLimit of 0 lets
// the client estimate it.
func (c *Client) Send(txType TxType, gasLimit uint64, from common.Address, pk *ecdsa.PrivateKey, method string, args ...interface{}) (common.Hash, error) {
	packed, err := c.abi.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack %s: %w", method, err)
	}
	return c.SendRaw(txType, gasLimit, from, pk, packed)
}

// SendRaw signs and broadcasts raw calldata against the contract
// address, used by multicall-style sends that pack several method calls
// together (see the teacher's Unstake()/farmingCenterClient.Abi().Pack
// pattern).
func (c *Client) SendRaw(txType TxType, gasLimit uint64, from common.Address, pk *ecdsa.PrivateKey, data []byte) (common.Hash, error) {
	ctx := context.Background()

	nonce, err := c.client.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetch nonce: %w", err)
	}
	if gasLimit == 0 {
		gasLimit, err = c.client.EstimateGas(ctx, ethereumCallMsg(&from, c.address, data))
		if err != nil {
			return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
		}
	}
	chainID, err := c.resolveChainID(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	var tx *gethtypes.Transaction
	switch txType {
	case Legacy:
		gasPrice, gasErr := c.client.SuggestGasPrice(ctx)
		if gasErr != nil {
			return common.Hash{}, fmt.Errorf("suggest gas price: %w", gasErr)
		}
		tx = gethtypes.NewTx(&gethtypes.LegacyTx{
			Nonce:    nonce,
			To:       &c.address,
			Value:    big.NewInt(0),
			Gas:      gasLimit,
			GasPrice: gasPrice,
			Data:     data,
		})
	default:
		tipCap, tipErr := c.client.SuggestGasTipCap(ctx)
		if tipErr != nil {
			return common.Hash{}, fmt.Errorf("suggest gas tip cap: %w", tipErr)
		}
		head, headErr := c.client.HeaderByNumber(ctx, nil)
		if headErr != nil {
			return common.Hash{}, fmt.Errorf("fetch head: %w", headErr)
		}
		feeCap := new(big.Int).Add(tipCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
		tx = gethtypes.NewTx(&gethtypes.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			To:        &c.address,
			Value:     big.NewInt(0),
			Gas:       gasLimit,
			GasTipCap: tipCap,
			GasFeeCap: feeCap,
			Data:      data,
		})
	}

	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), pk)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}
	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("broadcast tx: %w", err)
	}
	return signed.Hash(), nil
}

func (c *Client) resolveChainID(ctx context.Context) (*big.Int, error) {
	if c.chainID != nil {
		return c.chainID, nil
	}
	id, err := c.client.NetworkID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	c.chainID = id
	return id, nil
}

// TransactionData fetches the raw calldata of a previously submitted
// transaction by hash.
func (c *Client) TransactionData(txHash common.Hash) ([]byte, error) {
	tx, _, err := c.client.TransactionByHash(context.Background(), txHash)
	if err != nil {
		return nil, fmt.Errorf("fetch tx %s: %w", txHash.Hex(), err)
	}
	return tx.Data(), nil
}

// DecodeTransaction unpacks calldata (a 4-byte method selector plus
// ABI-encoded arguments) into a method name and named inputs.
func (c *Client) DecodeTransaction(data []byte) (*DecodedCall, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("calldata shorter than a method selector: %d bytes", len(data))
	}
	method, err := c.abi.MethodById(data[:4])
	if err != nil {
		return nil, fmt.Errorf("resolve method selector %x: %w", data[:4], err)
	}
	args := make(map[string]interface{})
	if err := method.Inputs.UnpackIntoMap(args, data[4:]); err != nil {
		return nil, fmt.Errorf("unpack %s inputs: %w", method.Name, err)
	}
	return &DecodedCall{MethodName: method.Name, Inputs: args}, nil
}

// ParseReceipt decodes every log in receipt that matches one of this
// contract's known events into a generic name/parameter map, the shape
// the teacher's MintNftTokenId reads the minted-NFT Transfer event out of.
func (c *Client) ParseReceipt(receipt *gethtypes.Receipt) ([]map[string]interface{}, error) {
	return c.ParseLogs(receipt.Logs)
}

// ParseLogs is ParseReceipt's underlying decoder, taking a bare log slice
// directly — the shape txlistener.TxReceipt.Logs and chainadapter.Event
// already carry, so callers holding only a lightweight receipt don't need
// a second RPC round trip for the full gethtypes.Receipt.
func (c *Client) ParseLogs(logs []*gethtypes.Log) ([]map[string]interface{}, error) {
	var events []map[string]interface{}
	for _, logEntry := range logs {
		if logEntry.Address != c.address || len(logEntry.Topics) == 0 {
			continue
		}
		event, err := c.abi.EventByID(logEntry.Topics[0])
		if err != nil {
			continue // not one of this contract's known events
		}
		params := make(map[string]interface{})
		if err := event.Inputs.UnpackIntoMap(params, logEntry.Data); err != nil {
			return nil, fmt.Errorf("unpack event %s: %w", event.Name, err)
		}
		for i, topic := range logEntry.Topics[1:] {
			if i < len(event.Inputs) {
				params[event.Inputs[i].Name] = topic
			}
		}
		events = append(events, map[string]interface{}{
			"Name":      event.Name,
			"Parameter": params,
		})
	}
	return events, nil
}

func ethereumCallMsg(from *common.Address, to common.Address, data []byte) ethereum.CallMsg {
	var f common.Address
	if from != nil {
		f = *from
	}
	return ethereum.CallMsg{From: f, To: &to, Data: data}
}
