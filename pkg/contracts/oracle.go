package contracts

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// OracleABI is the subset of the price oracle ABI used to quote update fees
const OracleABI = `[
	{
		"inputs": [
			{
				"internalType": "bytes[]",
				"name": "updateData",
				"type": "bytes[]"
			}
		],
		"name": "getUpdateFee",
		"outputs": [
			{
				"internalType": "uint256",
				"name": "feeAmount",
				"type": "uint256"
			}
		],
		"stateMutability": "view",
		"type": "function"
	}
]`

// OracleCaller is a read-only Go binding around the price oracle contract.
type OracleCaller struct {
	contract *bind.BoundContract
}

// NewOracleCaller creates a new read-only instance of the oracle, bound to a specific deployed contract.
func NewOracleCaller(address common.Address, caller bind.ContractCaller) (*OracleCaller, error) {
	parsed, err := abi.JSON(strings.NewReader(OracleABI))
	if err != nil {
		return nil, err
	}
	contract := bind.NewBoundContract(address, parsed, caller, nil, nil)
	return &OracleCaller{contract: contract}, nil
}

// GetUpdateFee is a free data retrieval call binding the contract method getUpdateFee.
//
// Solidity: function getUpdateFee(bytes[] updateData) view returns(uint256 feeAmount)
func (_Oracle *OracleCaller) GetUpdateFee(opts *bind.CallOpts, updateData [][]byte) (*big.Int, error) {
	var out []interface{}
	err := _Oracle.contract.Call(opts, &out, "getUpdateFee", updateData)
	if err != nil {
		return *new(*big.Int), err
	}

	out0 := *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)
	return out0, err
}
