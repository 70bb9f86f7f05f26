package agreement

import (
	"encoding/binary"
	"errors"
	"fmt"

	"rentalflow/identity"
)

// Byte offsets of the record layout. Changing any of these is a breaking
// format change; there is no version tag.
const (
	offStatus            = 0
	offPayee             = offStatus + 1
	offPayer             = offPayee + identity.Size
	offDeposit           = offPayer + identity.Size
	offRentAmount        = offDeposit + 8
	offDuration          = offRentAmount + 8
	offDurationUnit      = offDuration + 8
	offRemainingPayments = offDurationUnit + 1

	// Size is the exact length of an encoded Record.
	Size = offRemainingPayments + 8
)

// ErrInvalidLength is returned when a buffer is not exactly Size bytes.
var ErrInvalidLength = errors.New("agreement: invalid record length")

// Decode parses the fixed layout. The buffer must be exactly Size bytes.
func Decode(data []byte) (Record, error) {
	if len(data) != Size {
		return Record{}, fmt.Errorf("%w: got %d want %d", ErrInvalidLength, len(data), Size)
	}
	status, err := ParseStatus(data[offStatus])
	if err != nil {
		return Record{}, err
	}

	var rec Record
	rec.Status = status
	copy(rec.Payee[:], data[offPayee:offPayer])
	copy(rec.Payer[:], data[offPayer:offDeposit])
	rec.Deposit = binary.LittleEndian.Uint64(data[offDeposit:])
	rec.RentAmount = binary.LittleEndian.Uint64(data[offRentAmount:])
	rec.Duration = binary.LittleEndian.Uint64(data[offDuration:])
	rec.DurationUnit = DurationUnit(data[offDurationUnit])
	rec.RemainingPayments = binary.LittleEndian.Uint64(data[offRemainingPayments:])
	return rec, nil
}

// Encode returns a new Size-byte buffer holding r.
func (r Record) Encode() []byte {
	buf := make([]byte, Size)
	r.put(buf)
	return buf
}

// EncodeInto overwrites dst, which must be exactly Size bytes, with r.
func (r Record) EncodeInto(dst []byte) error {
	if len(dst) != Size {
		return fmt.Errorf("%w: got %d want %d", ErrInvalidLength, len(dst), Size)
	}
	r.put(dst)
	return nil
}

func (r Record) put(buf []byte) {
	buf[offStatus] = byte(r.Status)
	copy(buf[offPayee:offPayer], r.Payee[:])
	copy(buf[offPayer:offDeposit], r.Payer[:])
	binary.LittleEndian.PutUint64(buf[offDeposit:], r.Deposit)
	binary.LittleEndian.PutUint64(buf[offRentAmount:], r.RentAmount)
	binary.LittleEndian.PutUint64(buf[offDuration:], r.Duration)
	buf[offDurationUnit] = byte(r.DurationUnit)
	binary.LittleEndian.PutUint64(buf[offRemainingPayments:], r.RemainingPayments)
}
