// Package instruction parses and builds the binary payloads that drive the
// agreement program.
//
// Layout: one discriminant byte followed by densely packed little-endian
// fields.
//
//	0 Initialization  payee[32] payer[32] deposit u64 rent u64 duration u64 unit u8
//	1 Payment         rent u64
//	2 Termination     (no fields)
package instruction

import (
	"encoding/binary"
	"errors"
	"fmt"

	"rentalflow/agreement"
	"rentalflow/identity"
)

// Tag is the leading discriminant byte.
type Tag uint8

const (
	TagInitialization Tag = 0
	TagPayment        Tag = 1
	TagTermination    Tag = 2
)

const (
	initializationLen = 2*identity.Size + 3*8 + 1
	paymentLen        = 8
)

// ErrMalformedInstruction is the single outcome for any payload that does not
// parse: empty input, unknown tag, or too few bytes for the tag.
var ErrMalformedInstruction = errors.New("instruction: malformed instruction")

// Instruction is one of *Initialization, *Payment or *Termination.
type Instruction interface {
	Tag() Tag
	isInstruction()
}

// Initialization creates the agreement with its terms.
type Initialization struct {
	Payee        identity.ID
	Payer        identity.ID
	Deposit      uint64
	RentAmount   uint64
	Duration     uint64
	DurationUnit agreement.DurationUnit
}

// Payment pays one period of rent from payer to payee.
type Payment struct {
	RentAmount uint64
}

// Termination ends the agreement before all payments were made.
type Termination struct{}

func (*Initialization) Tag() Tag { return TagInitialization }
func (*Payment) Tag() Tag        { return TagPayment }
func (*Termination) Tag() Tag    { return TagTermination }

func (*Initialization) isInstruction() {}
func (*Payment) isInstruction()        {}
func (*Termination) isInstruction()    {}

// Terms converts the instruction into agreement terms.
func (in *Initialization) Terms() agreement.Terms {
	return agreement.Terms{
		Payee:        in.Payee,
		Payer:        in.Payer,
		Deposit:      in.Deposit,
		RentAmount:   in.RentAmount,
		Duration:     in.Duration,
		DurationUnit: in.DurationUnit,
	}
}

func (t Tag) String() string {
	switch t {
	case TagInitialization:
		return "initialization"
	case TagPayment:
		return "payment"
	case TagTermination:
		return "termination"
	default:
		return fmt.Sprintf("tag(%d)", uint8(t))
	}
}

// Decode parses data into exactly one instruction. Bytes beyond the fields
// required by the tag are ignored.
func Decode(data []byte) (Instruction, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedInstruction)
	}
	tag, rest := Tag(data[0]), data[1:]

	switch tag {
	case TagInitialization:
		if len(rest) < initializationLen {
			return nil, short(tag, len(rest), initializationLen)
		}
		in := &Initialization{}
		copy(in.Payee[:], rest[0:32])
		copy(in.Payer[:], rest[32:64])
		in.Deposit = binary.LittleEndian.Uint64(rest[64:72])
		in.RentAmount = binary.LittleEndian.Uint64(rest[72:80])
		in.Duration = binary.LittleEndian.Uint64(rest[80:88])
		in.DurationUnit = agreement.DurationUnit(rest[88])
		return in, nil
	case TagPayment:
		if len(rest) < paymentLen {
			return nil, short(tag, len(rest), paymentLen)
		}
		return &Payment{RentAmount: binary.LittleEndian.Uint64(rest[0:8])}, nil
	case TagTermination:
		return &Termination{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown tag %d", ErrMalformedInstruction, uint8(tag))
	}
}

func short(tag Tag, got, want int) error {
	return fmt.Errorf("%w: %s needs %d bytes after tag, got %d", ErrMalformedInstruction, tag, want, got)
}

// Encode produces the wire form of in. It is the inverse of Decode.
func Encode(in Instruction) []byte {
	switch v := in.(type) {
	case *Initialization:
		buf := make([]byte, 1+initializationLen)
		buf[0] = byte(TagInitialization)
		copy(buf[1:33], v.Payee[:])
		copy(buf[33:65], v.Payer[:])
		binary.LittleEndian.PutUint64(buf[65:73], v.Deposit)
		binary.LittleEndian.PutUint64(buf[73:81], v.RentAmount)
		binary.LittleEndian.PutUint64(buf[81:89], v.Duration)
		buf[89] = byte(v.DurationUnit)
		return buf
	case *Payment:
		buf := make([]byte, 1+paymentLen)
		buf[0] = byte(TagPayment)
		binary.LittleEndian.PutUint64(buf[1:], v.RentAmount)
		return buf
	case *Termination:
		return []byte{byte(TagTermination)}
	default:
		panic(fmt.Sprintf("instruction: unknown instruction type %T", in))
	}
}
