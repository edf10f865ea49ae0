// Package contractabi holds the hub and spoke contract ABI fragments the
// Orchestrator's composition root needs to build a
// pkg/contractclient.Client for each deployment (spec §6: "on-chain
// contracts are modeled only as external collaborators via their
// observable interfaces... their ABIs are inputs"). The teacher loads
// full Hardhat build artifacts off disk per test
// (util.LoadABIFromHardhatArtifact); this Orchestrator instead embeds the
// minimal method/event fragments its own packages actually call or
// decode (internal/dispatch, internal/monitor, internal/liquidation),
// parsed the same way dispatch_test.go and liquidation_test.go already
// parse an ABI fragment: abi.JSON(strings.NewReader(...)).
package contractabi

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// hubABIJSON covers dispatchInvestment (internal/dispatch),
// settleLiquidation (internal/liquidation), and the events the Monitor
// decodes off the hub (internal/monitor): InvestmentInitiated, Settled.
const hubABIJSON = `[
  {"type":"function","name":"dispatchInvestment","stateMutability":"nonpayable","inputs":[
    {"name":"user","type":"address"},
    {"name":"chainId","type":"uint256"},
    {"name":"poolId","type":"address"},
    {"name":"baseAsset","type":"address"},
    {"name":"amount","type":"uint256"},
    {"name":"lowerRangePercent","type":"int32"},
    {"name":"upperRangePercent","type":"int32"},
    {"name":"destinationEncodedLocation","type":"bytes"},
    {"name":"preBuiltCrossChainMessage","type":"bytes"}
  ],"outputs":[]},
  {"type":"function","name":"settleLiquidation","stateMutability":"nonpayable","inputs":[
    {"name":"fingerprint","type":"bytes32"},
    {"name":"amount","type":"uint256"}
  ],"outputs":[]},
  {"type":"function","name":"getUserBalance","stateMutability":"view","inputs":[
    {"name":"user","type":"address"}
  ],"outputs":[{"name":"balance","type":"uint256"}]},
  {"type":"event","name":"InvestmentInitiated","anonymous":false,"inputs":[
    {"name":"fingerprint","type":"bytes32","indexed":true},
    {"name":"user","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}
  ]},
  {"type":"event","name":"Settled","anonymous":false,"inputs":[
    {"name":"fingerprint","type":"bytes32","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}
  ]}
]`

// spokeABIJSON covers quoteExactInputSingle, executeFullLiquidation,
// swapAndReturn (internal/liquidation), and the events the Monitor
// decodes off a spoke's execution proxy: PositionExecuted,
// PositionLiquidated, AssetsReturned.
const spokeABIJSON = `[
  {"type":"function","name":"quoteExactInputSingle","stateMutability":"view","inputs":[
    {"name":"tokenOut","type":"address"},
    {"name":"amountIn","type":"uint256"}
  ],"outputs":[{"name":"amountOut","type":"uint256"}]},
  {"type":"function","name":"executeFullLiquidation","stateMutability":"nonpayable","inputs":[
    {"name":"nftPositionId","type":"uint256"},
    {"name":"minAmount","type":"uint256"},
    {"name":"deadline","type":"int64"}
  ],"outputs":[]},
  {"type":"function","name":"swapAndReturn","stateMutability":"nonpayable","inputs":[
    {"name":"positionId","type":"uint256"},
    {"name":"baseAsset","type":"address"},
    {"name":"destination","type":"address"},
    {"name":"minOut0","type":"uint256"},
    {"name":"minOut1","type":"uint256"},
    {"name":"priceLimit","type":"uint256"}
  ],"outputs":[]},
  {"type":"event","name":"PositionExecuted","anonymous":false,"inputs":[
    {"name":"fingerprint","type":"bytes32","indexed":true},
    {"name":"nftId","type":"uint256","indexed":false},
    {"name":"liquidity","type":"uint256","indexed":false},
    {"name":"entryTick","type":"int32","indexed":false}
  ]},
  {"type":"event","name":"PositionLiquidated","anonymous":false,"inputs":[
    {"name":"fingerprint","type":"bytes32","indexed":true},
    {"name":"amount0","type":"uint256","indexed":false},
    {"name":"amount1","type":"uint256","indexed":false}
  ]},
  {"type":"event","name":"AssetsReturned","anonymous":false,"inputs":[
    {"name":"fingerprint","type":"bytes32","indexed":true},
    {"name":"token","type":"address","indexed":false},
    {"name":"amount","type":"uint256","indexed":false}
  ]}
]`

// Hub parses and returns the hub contract's ABI.
func Hub() (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(hubABIJSON))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse hub abi: %w", err)
	}
	return parsed, nil
}

// Spoke parses and returns a spoke execution proxy's ABI.
func Spoke() (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(spokeABIJSON))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse spoke abi: %w", err)
	}
	return parsed, nil
}
