// Package scheduler implements the Scheduler/Runtime (spec §5): the
// per-chain single-writer task that is the sole place nonces are
// consumed, plus task supervision, backoff, and cancellation for every
// other long-running component. It mirrors the teacher's ticker/report-
// channel idiom, generalized from one strategy loop to many supervised
// components.
package scheduler

import (
	"context"
	"crypto/ecdsa"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/liquidot/orchestrator/pkg/contractclient"
)

// SubmitRequest is one signed-submission request enqueued onto a chain's
// writer task. IdempotencyKey is normally the position fingerprint (or
// fingerprint+phase): a retried Submit call with the same key returns the
// handle already in flight or already completed, rather than sending the
// transaction twice (spec §4.1).
type SubmitRequest struct {
	IdempotencyKey string
	Contract       contractclient.ContractClient
	TxType         contractclient.TxType
	GasLimit       uint64
	Calldata       []byte
}

type handle struct {
	done chan struct{}
	hash common.Hash
	err  error
}

type job struct {
	req SubmitRequest
	h   *handle
}

// PerChainWriter is the single writer task for one chain's operator
// credential: every other component enqueues a SubmitRequest and awaits
// the completion handle instead of signing and sending directly (spec
// §5: "this is the sole place nonces are consumed"). Submission ordering
// within a chain is therefore strictly FIFO; callers across chains run
// fully in parallel since each chain gets its own PerChainWriter.
type PerChainWriter struct {
	chainID  uint64
	operator common.Address
	pk       *ecdsa.PrivateKey

	queue chan job

	mu   sync.Mutex
	seen map[string]*handle
}

// NewPerChainWriter builds a writer for one chain. queueDepth bounds the
// backpressure queue (spec §5: "requests exceeding the cap queue with
// bounded backpressure"); 0 defaults to 256.
func NewPerChainWriter(chainID uint64, operator common.Address, pk *ecdsa.PrivateKey, queueDepth int) *PerChainWriter {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &PerChainWriter{
		chainID:  chainID,
		operator: operator,
		pk:       pk,
		queue:    make(chan job, queueDepth),
		seen:     make(map[string]*handle),
	}
}

// ChainID reports which chain this writer serializes submissions for.
func (w *PerChainWriter) ChainID() uint64 { return w.chainID }

// Run drains the queue until ctx is cancelled. Exactly one Run goroutine
// should exist per writer; this is what makes submission serialization
// hold without any lock in the business-logic callers (spec §5).
func (w *PerChainWriter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j := <-w.queue:
			w.process(j)
		}
	}
}

func (w *PerChainWriter) process(j job) {
	hash, err := j.req.Contract.SendRaw(j.req.TxType, j.req.GasLimit, w.operator, w.pk, j.req.Calldata)
	j.h.hash, j.h.err = hash, err
	close(j.h.done)
}

// Submit enqueues a signed submission and blocks until it completes or
// ctx is cancelled. A second Submit with an IdempotencyKey already seen
// returns the same handle's result instead of re-enqueueing (spec §4.1:
// "a retried submit with the same key returns the same submission
// handle rather than sending twice").
func (w *PerChainWriter) Submit(ctx context.Context, req SubmitRequest) (common.Hash, error) {
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}

	w.mu.Lock()
	h, exists := w.seen[req.IdempotencyKey]
	if !exists {
		h = &handle{done: make(chan struct{})}
		w.seen[req.IdempotencyKey] = h
	}
	w.mu.Unlock()

	if !exists {
		select {
		case w.queue <- job{req: req, h: h}:
		case <-ctx.Done():
			return common.Hash{}, ctx.Err()
		}
	}

	select {
	case <-h.done:
		return h.hash, h.err
	case <-ctx.Done():
		return common.Hash{}, ctx.Err()
	}
}

// Sender adapts Submit to the Sender function shape the Dispatcher and
// Liquidation Controller expect. A non-empty idempotencyKeyPrefix is
// joined with the Keccak-256 digest of the calldata to form the key, so a
// resubmission of identical calldata returns the earlier handle while
// different calldata is sent on its own; an empty prefix gives every call
// a fresh key.
func (w *PerChainWriter) Sender(contract contractclient.ContractClient, txType contractclient.TxType, gasLimit uint64, idempotencyKeyPrefix string) func(ctx context.Context, calldata []byte) (common.Hash, error) {
	return func(ctx context.Context, calldata []byte) (common.Hash, error) {
		key := ""
		if idempotencyKeyPrefix != "" {
			key = idempotencyKeyPrefix + ":" + crypto.Keccak256Hash(calldata).Hex()
		}
		return w.Submit(ctx, SubmitRequest{
			IdempotencyKey: key,
			Contract:       contract,
			TxType:         txType,
			GasLimit:       gasLimit,
			Calldata:       calldata,
		})
	}
}
