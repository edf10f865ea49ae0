package util

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	ethabi "github.com/ethereum/go-ethereum/accounts/abi"
)

// LoadABI reads a bare ABI JSON array (the "abi" field's contents on its
// own, as produced by solc --abi) from disk and parses it.
func LoadABI(path string) (ethabi.ABI, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ethabi.ABI{}, fmt.Errorf("read abi file %s: %w", path, err)
	}
	parsed, err := ethabi.JSON(strings.NewReader(string(data)))
	if err != nil {
		return ethabi.ABI{}, fmt.Errorf("parse abi file %s: %w", path, err)
	}
	return parsed, nil
}

// hardhatArtifact is the subset of a Hardhat compilation artifact this
// loader cares about.
type hardhatArtifact struct {
	ABI json.RawMessage `json:"abi"`
}

// LoadABIFromHardhatArtifact reads a full Hardhat artifact JSON file
// (contractName/sourceName/abi/bytecode/...) and extracts just the ABI.
func LoadABIFromHardhatArtifact(path string) (ethabi.ABI, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ethabi.ABI{}, fmt.Errorf("read hardhat artifact %s: %w", path, err)
	}
	var artifact hardhatArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return ethabi.ABI{}, fmt.Errorf("parse hardhat artifact %s: %w", path, err)
	}
	parsed, err := ethabi.JSON(strings.NewReader(string(artifact.ABI)))
	if err != nil {
		return ethabi.ABI{}, fmt.Errorf("parse abi field of %s: %w", path, err)
	}
	return parsed, nil
}
