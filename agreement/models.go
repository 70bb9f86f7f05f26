package agreement

import (
	"fmt"

	"rentalflow/identity"
)

// DurationUnit tags the granularity of a payment period. It is recorded for
// the parties' benefit only; no timing logic depends on it.
type DurationUnit uint8

const (
	DurationMonths DurationUnit = 0
)

func (u DurationUnit) String() string {
	switch u {
	case DurationMonths:
		return "months"
	default:
		return fmt.Sprintf("unit(%d)", uint8(u))
	}
}

// Record is the persisted state of one rental agreement. Its binary form is
// the fixed Size-byte layout written by Encode.
type Record struct {
	Status            Status
	Payee             identity.ID
	Payer             identity.ID
	Deposit           uint64
	RentAmount        uint64
	Duration          uint64
	DurationUnit      DurationUnit
	RemainingPayments uint64
}

// Terms are the fields fixed by initialization.
type Terms struct {
	Payee        identity.ID
	Payer        identity.ID
	Deposit      uint64
	RentAmount   uint64
	Duration     uint64
	DurationUnit DurationUnit
}

// Activate returns the Active record for freshly agreed terms, with every
// payment still owed.
func (t Terms) Activate() Record {
	return Record{
		Status:            StatusActive,
		Payee:             t.Payee,
		Payer:             t.Payer,
		Deposit:           t.Deposit,
		RentAmount:        t.RentAmount,
		Duration:          t.Duration,
		DurationUnit:      t.DurationUnit,
		RemainingPayments: t.Duration,
	}
}

// IsInitialized reports whether the record has left the Uninitialized state.
func (r Record) IsInitialized() bool {
	return r.Status != StatusUninitialized
}

// Terms returns the immutable terms stored in the record.
func (r Record) Terms() Terms {
	return Terms{
		Payee:        r.Payee,
		Payer:        r.Payer,
		Deposit:      r.Deposit,
		RentAmount:   r.RentAmount,
		Duration:     r.Duration,
		DurationUnit: r.DurationUnit,
	}
}
