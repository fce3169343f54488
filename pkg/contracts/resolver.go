package contracts

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ResolverABI is the ABI of the oracle market resolver contract
const ResolverABI = `[
	{
		"inputs": [
			{
				"internalType": "uint256",
				"name": "marketId",
				"type": "uint256"
			}
		],
		"name": "canResolve",
		"outputs": [
			{
				"internalType": "bool",
				"name": "",
				"type": "bool"
			}
		],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{
				"internalType": "uint256",
				"name": "marketId",
				"type": "uint256"
			},
			{
				"internalType": "bytes[]",
				"name": "priceUpdateData",
				"type": "bytes[]"
			}
		],
		"name": "resolveMarket",
		"outputs": [],
		"stateMutability": "payable",
		"type": "function"
	},
	{
		"inputs": [
			{
				"internalType": "uint256",
				"name": "marketId",
				"type": "uint256"
			}
		],
		"name": "pythMarkets",
		"outputs": [
			{
				"internalType": "bytes32",
				"name": "priceId",
				"type": "bytes32"
			},
			{
				"internalType": "int64",
				"name": "threshold",
				"type": "int64"
			},
			{
				"internalType": "uint256",
				"name": "expiryTime",
				"type": "uint256"
			},
			{
				"internalType": "bool",
				"name": "isAbove",
				"type": "bool"
			},
			{
				"internalType": "bool",
				"name": "resolved",
				"type": "bool"
			}
		],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "pyth",
		"outputs": [
			{
				"internalType": "address",
				"name": "",
				"type": "address"
			}
		],
		"stateMutability": "view",
		"type": "function"
	}
]`

// ResolverMarket is the on-chain oracle configuration of a single market.
type ResolverMarket struct {
	PriceId    [32]byte
	Threshold  int64
	ExpiryTime *big.Int
	IsAbove    bool
	Resolved   bool
}

// Resolver is a Go binding around the market resolver contract.
type Resolver struct {
	ResolverCaller     // Read-only binding to the contract
	ResolverTransactor // Write-only binding to the contract
}

// ResolverCaller is a read-only Go binding around the market resolver contract.
type ResolverCaller struct {
	contract *bind.BoundContract
}

// ResolverTransactor is a write-only Go binding around the market resolver contract.
type ResolverTransactor struct {
	contract *bind.BoundContract
}

// ResolverSession is a Go binding around the market resolver contract,
// with pre-set call and transact options.
type ResolverSession struct {
	Contract     *Resolver
	CallOpts     bind.CallOpts
	TransactOpts bind.TransactOpts
}

// ResolverRaw is a low-level Go binding around the market resolver contract.
type ResolverRaw struct {
	Contract *Resolver
}

// NewResolver creates a new instance of Resolver, bound to a specific deployed contract.
func NewResolver(address common.Address, backend bind.ContractBackend) (*Resolver, error) {
	contract, err := bindResolver(address, backend, backend, backend)
	if err != nil {
		return nil, err
	}
	return &Resolver{ResolverCaller: ResolverCaller{contract: contract}, ResolverTransactor: ResolverTransactor{contract: contract}}, nil
}

// NewResolverCaller creates a new read-only instance of Resolver, bound to a specific deployed contract.
func NewResolverCaller(address common.Address, caller bind.ContractCaller) (*ResolverCaller, error) {
	contract, err := bindResolver(address, caller, nil, nil)
	if err != nil {
		return nil, err
	}
	return &ResolverCaller{contract: contract}, nil
}

// ParsedResolverABI returns the parsed resolver ABI, used to pack calldata for simulation.
func ParsedResolverABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(ResolverABI))
}

// bindResolver binds a generic wrapper to an already deployed contract.
func bindResolver(address common.Address, caller bind.ContractCaller, transactor bind.ContractTransactor, filterer bind.ContractFilterer) (*bind.BoundContract, error) {
	parsed, err := ParsedResolverABI()
	if err != nil {
		return nil, err
	}
	return bind.NewBoundContract(address, parsed, caller, transactor, filterer), nil
}

// Call invokes the (constant) contract method with params as input values and
// sets the output to result.
func (_Resolver *ResolverRaw) Call(opts *bind.CallOpts, result *[]interface{}, method string, params ...interface{}) error {
	return _Resolver.Contract.ResolverCaller.contract.Call(opts, result, method, params...)
}

// Transact invokes the (paid) contract method with params as input values.
func (_Resolver *ResolverRaw) Transact(opts *bind.TransactOpts, method string, params ...interface{}) (*types.Transaction, error) {
	return _Resolver.Contract.ResolverTransactor.contract.Transact(opts, method, params...)
}

// CanResolve is a free data retrieval call binding the contract method canResolve.
//
// Solidity: function canResolve(uint256 marketId) view returns(bool)
func (_Resolver *ResolverCaller) CanResolve(opts *bind.CallOpts, marketId *big.Int) (bool, error) {
	var out []interface{}
	err := _Resolver.contract.Call(opts, &out, "canResolve", marketId)
	if err != nil {
		return *new(bool), err
	}

	out0 := *abi.ConvertType(out[0], new(bool)).(*bool)
	return out0, err
}

// CanResolve is a free data retrieval call binding the contract method canResolve.
//
// Solidity: function canResolve(uint256 marketId) view returns(bool)
func (_Resolver *ResolverSession) CanResolve(marketId *big.Int) (bool, error) {
	return _Resolver.Contract.CanResolve(&_Resolver.CallOpts, marketId)
}

// PythMarkets is a free data retrieval call binding the contract method pythMarkets.
//
// Solidity: function pythMarkets(uint256 marketId) view returns(bytes32 priceId, int64 threshold, uint256 expiryTime, bool isAbove, bool resolved)
func (_Resolver *ResolverCaller) PythMarkets(opts *bind.CallOpts, marketId *big.Int) (ResolverMarket, error) {
	var out []interface{}
	err := _Resolver.contract.Call(opts, &out, "pythMarkets", marketId)

	outstruct := new(ResolverMarket)
	if err != nil {
		return *outstruct, err
	}

	outstruct.PriceId = *abi.ConvertType(out[0], new([32]byte)).(*[32]byte)
	outstruct.Threshold = *abi.ConvertType(out[1], new(int64)).(*int64)
	outstruct.ExpiryTime = *abi.ConvertType(out[2], new(*big.Int)).(**big.Int)
	outstruct.IsAbove = *abi.ConvertType(out[3], new(bool)).(*bool)
	outstruct.Resolved = *abi.ConvertType(out[4], new(bool)).(*bool)

	return *outstruct, err
}

// PythMarkets is a free data retrieval call binding the contract method pythMarkets.
//
// Solidity: function pythMarkets(uint256 marketId) view returns(bytes32 priceId, int64 threshold, uint256 expiryTime, bool isAbove, bool resolved)
func (_Resolver *ResolverSession) PythMarkets(marketId *big.Int) (ResolverMarket, error) {
	return _Resolver.Contract.PythMarkets(&_Resolver.CallOpts, marketId)
}

// Pyth is a free data retrieval call binding the contract method pyth.
//
// Solidity: function pyth() view returns(address)
func (_Resolver *ResolverCaller) Pyth(opts *bind.CallOpts) (common.Address, error) {
	var out []interface{}
	err := _Resolver.contract.Call(opts, &out, "pyth")
	if err != nil {
		return *new(common.Address), err
	}

	out0 := *abi.ConvertType(out[0], new(common.Address)).(*common.Address)
	return out0, err
}

// ResolveMarket is a paid mutator transaction binding the contract method resolveMarket.
//
// Solidity: function resolveMarket(uint256 marketId, bytes[] priceUpdateData) payable returns()
func (_Resolver *ResolverTransactor) ResolveMarket(opts *bind.TransactOpts, marketId *big.Int, priceUpdateData [][]byte) (*types.Transaction, error) {
	return _Resolver.contract.Transact(opts, "resolveMarket", marketId, priceUpdateData)
}

// ResolveMarket is a paid mutator transaction binding the contract method resolveMarket.
//
// Solidity: function resolveMarket(uint256 marketId, bytes[] priceUpdateData) payable returns()
func (_Resolver *ResolverSession) ResolveMarket(marketId *big.Int, priceUpdateData [][]byte) (*types.Transaction, error) {
	return _Resolver.Contract.ResolveMarket(&_Resolver.TransactOpts, marketId, priceUpdateData)
}
