package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TransactionType classifies the observed chain event.
type TransactionType string

const (
	TxTransfer            TransactionType = "TRANSFER"
	TxSwap                TransactionType = "SWAP"
	TxMint                TransactionType = "MINT"
	TxBurn                TransactionType = "BURN"
	TxApproval            TransactionType = "APPROVAL"
	TxContractInteraction TransactionType = "CONTRACT_INTERACTION"
)

// ErrInvalidTransaction marks a transaction rejected before it enters the
// analysis pipeline. Callers can match it with errors.Is.
var ErrInvalidTransaction = errors.New("invalid transaction")

// Transaction is one observed chain event. It is created once by the
// ingestion layer, validated, and then handed by value to the graph and the
// rules — never mutated afterwards.
type Transaction struct {
	Hash         string          `json:"hash"`
	FromAddress  string          `json:"fromAddress"`
	ToAddress    string          `json:"toAddress,omitempty"` // empty for contract creation
	ValueUSD     float64         `json:"valueUsd"`
	GasPriceGwei float64         `json:"gasPriceGwei"`
	Timestamp    time.Time       `json:"timestamp"`
	BlockNumber  int64           `json:"blockNumber"`
	Type         TransactionType `json:"type"`
	TokenAddress string          `json:"tokenAddress,omitempty"`
	TokenAmount  float64         `json:"tokenAmount,omitempty"`
	FundedAt     *time.Time      `json:"fundedAt,omitempty"` // first funding of the sending wallet, when known
}

// Validate checks the fields the pipeline depends on. Ingestion is expected
// to have validated already; this is the last gate before analysis.
func (t Transaction) Validate() error {
	switch {
	case t.Hash == "":
		return fmt.Errorf("%w: missing hash", ErrInvalidTransaction)
	case t.FromAddress == "":
		return fmt.Errorf("%w: missing from address", ErrInvalidTransaction)
	case t.ValueUSD < 0:
		return fmt.Errorf("%w: negative value", ErrInvalidTransaction)
	case t.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrInvalidTransaction)
	}
	return nil
}

// IsSelfTransfer reports whether both endpoints are the same address.
func (t Transaction) IsSelfTransfer() bool {
	return t.ToAddress != "" && NormalizeAddress(t.FromAddress) == NormalizeAddress(t.ToAddress)
}

// NormalizeAddress lower-cases an address so that lookups and graph keys are
// case-insensitive. Ethereum addresses are case-insensitive modulo the
// EIP-55 checksum, which we deliberately discard.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
