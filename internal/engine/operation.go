package engine

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// OpKind 操作类型（封闭集合，executor 中穷举分派）
type OpKind int

const (
	OpApprove OpKind = iota
	OpTransfer
	OpSwap
	OpContractCall
	OpRawTx
)

func (k OpKind) String() string {
	switch k {
	case OpApprove:
		return "approve"
	case OpTransfer:
		return "transfer"
	case OpSwap:
		return "swap"
	case OpContractCall:
		return "contract_call"
	case OpRawTx:
		return "raw_tx"
	default:
		return "unknown"
	}
}

// categoryRank orders operation kinds inside a batch: approvals must land
// before the transfers/settlements that rely on them.
func (k OpKind) categoryRank() int {
	switch k {
	case OpApprove:
		return 0
	case OpTransfer:
		return 1
	case OpSwap:
		return 2
	case OpContractCall:
		return 3
	case OpRawTx:
		return 4
	default:
		return 5
	}
}

// ApprovePayload ERC20 授权
type ApprovePayload struct {
	Token   common.Address
	Spender common.Address
	Amount  *uint256.Int
}

// TransferPayload 原生币或 ERC20 转账（Token 为零地址时是原生转账）
type TransferPayload struct {
	Token  common.Address
	To     common.Address
	Amount *uint256.Int
}

// SwapPayload 兑换/结算类交易
type SwapPayload struct {
	Router   common.Address
	CallData []byte
	Value    *uint256.Int
}

// CallPayload 任意合约调用
type CallPayload struct {
	To       common.Address
	CallData []byte
	Value    *uint256.Int
	GasLimit uint64
}

// RawTxPayload 已签名的裸交易字节
type RawTxPayload struct {
	Raw []byte
}

// OpPayload is the closed union of operation payloads. Exactly one of the
// payload structs above implements it per OpKind.
type OpPayload interface {
	opKind() OpKind
}

func (ApprovePayload) opKind() OpKind  { return OpApprove }
func (TransferPayload) opKind() OpKind { return OpTransfer }
func (SwapPayload) opKind() OpKind     { return OpSwap }
func (CallPayload) opKind() OpKind     { return OpContractCall }
func (RawTxPayload) opKind() OpKind    { return OpRawTx }

// OpStatus 操作生命周期状态
type OpStatus int

const (
	StatusPending OpStatus = iota
	StatusInFlight
	StatusSucceeded
	StatusFailed
	StatusCancelled
)

func (s OpStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInFlight:
		return "in_flight"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status can no longer change.
func (s OpStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// OperationResult 操作终态（一旦写入不再变更）
type OperationResult struct {
	ID          string
	Kind        OpKind
	Status      OpStatus
	TxHash      common.Hash
	Endpoint    string
	Attempts    int
	PricePaid   *uint256.Int
	Err         error
	CompletedAt time.Time
}

// PendingOperation is one queued unit of write work. The batcher owns it
// from submission until a terminal result is published; only the retry loop
// mutates Attempts after that.
type PendingOperation struct {
	ID        string
	Kind      OpKind
	Payload   OpPayload
	Priority  int
	DependsOn []string
	Identity  string // signing identity name, required for all kinds except OpRawTx

	MaxPrice      *uint256.Int // per-operation fee cap, nil = oracle cap
	PriorityBoost bool         // request faster inclusion

	Deadline  time.Time // zero = no deadline
	CreatedAt time.Time
	Callback  func(*OperationResult)

	Attempts  int
	seq       uint64 // stable FIFO tie-break inside the priority queue
	batchHint string // named batch from SubmitBatch, informational
}

var opSeq atomic.Uint64

// newOperationID yields a process-unique operation id. Monotonic sequence
// plus the submission timestamp keeps ids sortable in logs.
func newOperationID() (string, uint64) {
	seq := opSeq.Add(1)
	return fmt.Sprintf("op-%d-%06d", time.Now().UnixMilli(), seq), seq
}

// expired reports whether the operation's own deadline has passed.
func (op *PendingOperation) expired(now time.Time) bool {
	return !op.Deadline.IsZero() && now.After(op.Deadline)
}
