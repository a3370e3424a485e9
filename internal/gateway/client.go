package gateway

import (
	"context"
	"time"
)

// TxParams carries the method-specific request fields. The engine only adds
// fee and compute-unit parameters on top; it never rewrites amount or price.
type TxParams map[string]any

// SubmitResult is the venue's immediate answer to a transaction submission.
type SubmitResult struct {
	Signature string
	// Confirmed is set when the venue reports terminal success in the
	// submission response itself, with no confirmation polling needed.
	Confirmed bool
}

// PollResult is one confirmation poll answer. Neither flag set means the
// transaction is still pending.
type PollResult struct {
	Confirmed        bool
	Failed           bool
	ComputeUnitsUsed uint64 // optional, when the venue reports actual usage
}

// Client is the wire-format collaborator that talks to the gateway process.
// Implementations own transport, auth and payload parsing.
type Client interface {
	// EstimateFee returns the current fee-per-compute-unit for a chain.
	EstimateFee(ctx context.Context, chain, network string) (uint64, error)
	// Submit sends one fee-priced attempt and returns its signature.
	Submit(ctx context.Context, chain, network, connector, method string,
		params TxParams, feePerComputeUnit, computeUnits uint64) (SubmitResult, error)
	// Poll reports the confirmation status of a submitted signature.
	Poll(ctx context.Context, chain, network, signature string) (PollResult, error)
}

// PendingTransaction is the active attempt for one order. Each retry
// supersedes the previous one; abandoned signatures are never canceled,
// on-chain transactions can only be superseded.
type PendingTransaction struct {
	OrderID            string
	AttemptNumber      int
	FeePerComputeUnit  uint64
	ComputeUnits       uint64
	SubmittedSignature string
	SubmittedAt        time.Time
}
