package processor

import (
	"errors"
	"fmt"

	"rentalflow/instruction"
)

var (
	// ErrUnauthorizedAccount signals the agreement account is not owned by the program.
	ErrUnauthorizedAccount = errors.New("processor: account not owned by program")
	// ErrInvalidAccountData signals the account bytes are not an agreement record.
	ErrInvalidAccountData = errors.New("processor: invalid account data")
	// ErrPayeeMismatch signals the supplied payee differs from the one stored at initialization.
	ErrPayeeMismatch = fmt.Errorf("%w: payee does not match agreement", ErrInvalidAccountData)
	// ErrAlreadyInitialized signals a second initialization of the same record.
	ErrAlreadyInitialized = errors.New("processor: account already initialized")
	// ErrAccountNotExempt signals the record's backing storage is not pre-funded.
	ErrAccountNotExempt = errors.New("processor: account not rent exempt")
	// ErrMissingSignature signals the payer did not sign the instruction.
	ErrMissingSignature = errors.New("processor: missing required signature")
	// ErrInsufficientFunds signals the payer cannot cover the payment.
	ErrInsufficientFunds = errors.New("processor: insufficient funds")
	// ErrUninitializedAccount signals a payment or termination against an empty record.
	ErrUninitializedAccount = errors.New("processor: account not initialized")
	// ErrAlreadyPaidInFull signals the agreement is completed.
	ErrAlreadyPaidInFull = errors.New("processor: rent already paid in full")
	// ErrAgreementTerminated signals the agreement was terminated.
	ErrAgreementTerminated = errors.New("processor: agreement terminated")
	// ErrPaymentAmountMismatch signals the payment differs from the agreed rent.
	ErrPaymentAmountMismatch = errors.New("processor: payment amount mismatch")
)

// Class groups errors by how a caller should react to them.
type Class int

const (
	// ClassInternal covers collaborator failures (ledger, storage).
	ClassInternal Class = iota
	// ClassMalformed covers undecodable instructions and records.
	ClassMalformed
	// ClassAuthorization covers ownership, signature and payee identity failures.
	ClassAuthorization
	// ClassState covers transitions the current record does not permit.
	ClassState
)

func (c Class) String() string {
	switch c {
	case ClassMalformed:
		return "malformed"
	case ClassAuthorization:
		return "authorization"
	case ClassState:
		return "state"
	default:
		return "internal"
	}
}

// ClassOf reports the class of err.
func ClassOf(err error) Class {
	switch {
	case err == nil:
		return ClassInternal
	case errors.Is(err, ErrPayeeMismatch),
		errors.Is(err, ErrUnauthorizedAccount),
		errors.Is(err, ErrMissingSignature):
		return ClassAuthorization
	case errors.Is(err, instruction.ErrMalformedInstruction),
		errors.Is(err, ErrInvalidAccountData):
		return ClassMalformed
	case errors.Is(err, ErrAlreadyInitialized),
		errors.Is(err, ErrAccountNotExempt),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrUninitializedAccount),
		errors.Is(err, ErrAlreadyPaidInFull),
		errors.Is(err, ErrAgreementTerminated),
		errors.Is(err, ErrPaymentAmountMismatch):
		return ClassState
	default:
		return ClassInternal
	}
}

// Stable numeric codes reported to clients. Agreement-specific codes start at
// 100.
const (
	CodeInternal              uint32 = 0
	CodeMalformedInstruction  uint32 = 1
	CodeInvalidAccountData    uint32 = 2
	CodeInsufficientFunds     uint32 = 3
	CodeUnauthorizedAccount   uint32 = 4
	CodeMissingSignature      uint32 = 5
	CodeAlreadyInitialized    uint32 = 6
	CodeUninitializedAccount  uint32 = 7
	CodeAccountNotExempt      uint32 = 8
	CodeAlreadyPaidInFull     uint32 = 100
	CodePaymentAmountMismatch uint32 = 101
	CodeAgreementTerminated   uint32 = 102
)

var codes = []struct {
	err  error
	code uint32
}{
	{instruction.ErrMalformedInstruction, CodeMalformedInstruction},
	{ErrInvalidAccountData, CodeInvalidAccountData},
	{ErrInsufficientFunds, CodeInsufficientFunds},
	{ErrUnauthorizedAccount, CodeUnauthorizedAccount},
	{ErrMissingSignature, CodeMissingSignature},
	{ErrAlreadyInitialized, CodeAlreadyInitialized},
	{ErrUninitializedAccount, CodeUninitializedAccount},
	{ErrAccountNotExempt, CodeAccountNotExempt},
	{ErrAlreadyPaidInFull, CodeAlreadyPaidInFull},
	{ErrPaymentAmountMismatch, CodePaymentAmountMismatch},
	{ErrAgreementTerminated, CodeAgreementTerminated},
}

// Code returns the numeric code for err, or CodeInternal.
func Code(err error) uint32 {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

func invalidData(err error) error {
	return fmt.Errorf("%w: %w", ErrInvalidAccountData, err)
}
