package ledger

import (
	"context"
	"math"

	"rentalflow/processor"
)

// AccountStorageOverhead is the per-account byte overhead charged on top of
// the data length when computing the exemption minimum.
const AccountStorageOverhead = 128

// Rent is the rule deciding whether an account's lamports keep its storage
// from being reclaimed.
type Rent struct {
	LamportsPerByteYear uint64  `yaml:"lamports_per_byte_year"`
	ExemptionThreshold  float64 `yaml:"exemption_threshold"`
}

// DefaultRent matches the network defaults the client tooling assumes.
var DefaultRent = Rent{
	LamportsPerByteYear: 3480,
	ExemptionThreshold:  2.0,
}

// MinimumBalance returns the lamports an account of dataLen bytes needs to be
// exempt.
func (r Rent) MinimumBalance(dataLen int) uint64 {
	bytes := float64(AccountStorageOverhead + dataLen)
	need := bytes * float64(r.LamportsPerByteYear) * r.ExemptionThreshold
	if need >= math.MaxUint64 {
		return math.MaxUint64
	}
	return uint64(need)
}

// IsExempt reports whether balance covers MinimumBalance(dataLen).
func (r Rent) IsExempt(balance uint64, dataLen int) bool {
	return balance >= r.MinimumBalance(dataLen)
}

// RentExemption adapts a Rent rule to processor.ExemptionChecker using the
// account's own lamports and data length.
type RentExemption struct {
	Rent Rent
}

func (e RentExemption) IsExempt(_ context.Context, acct *processor.Account) (bool, error) {
	return e.Rent.IsExempt(acct.Lamports, len(acct.Data)), nil
}
