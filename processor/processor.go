// Package processor applies agreement instructions to an agreement record.
//
// The processor is synchronous and keeps no state between calls. Everything
// it cannot decide by itself (who signed, balances, the settlement rail,
// whether the record is pre-funded) is supplied per call through the
// capability interfaces on Invocation. The agreement account's Data is only
// written at the very end of a successful transition; any failure leaves it
// exactly as it was read.
package processor

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"rentalflow/agreement"
	"rentalflow/identity"
	"rentalflow/instruction"
)

// Account is the host's view of the account holding an agreement record.
type Account struct {
	Key      identity.ID
	Owner    identity.ID
	Lamports uint64
	Data     []byte
}

// SignatureVerifier answers whether an identity authorized the instruction.
type SignatureVerifier interface {
	Signed(id identity.ID) bool
}

// Ledger is the settlement rail. Transfer must either move the full amount or
// fail without any observable effect.
type Ledger interface {
	Balance(ctx context.Context, id identity.ID) (uint64, error)
	Transfer(ctx context.Context, from, to identity.ID, amount uint64) error
}

// ExemptionChecker reports whether an account holds enough lamports to be
// exempt from reclamation.
type ExemptionChecker interface {
	IsExempt(ctx context.Context, acct *Account) (bool, error)
}

// Invocation carries one instruction and the verified facts about it.
type Invocation struct {
	Agreement *Account
	// Payer and Payee are the parties supplied alongside a Payment.
	Payer      identity.ID
	Payee      identity.ID
	Signatures SignatureVerifier
	Ledger     Ledger
	Exemption  ExemptionChecker
	Data       []byte
}

// Outcome describes an applied instruction.
type Outcome struct {
	Transition  instruction.Tag
	Previous    agreement.Record
	Record      agreement.Record
	Transferred uint64
	// Noop is set when a self-payment short-circuited without touching the record.
	Noop bool
}

// Processor validates instructions and advances agreement records owned by
// ProgramID.
type Processor struct {
	programID identity.ID
	log       logrus.FieldLogger
	metrics   *Metrics
}

// New returns a Processor for the program identified by programID.
func New(programID identity.ID) *Processor {
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	return &Processor{
		programID: programID,
		log:       discard,
	}
}

// WithLogger sets the logger used for transition traces.
func (p *Processor) WithLogger(log logrus.FieldLogger) *Processor {
	if log != nil {
		p.log = log
	}
	return p
}

// WithMetrics attaches Prometheus counters.
func (p *Processor) WithMetrics(m *Metrics) *Processor {
	p.metrics = m
	return p
}

// ProgramID returns the identity that must own agreement accounts.
func (p *Processor) ProgramID() identity.ID {
	return p.programID
}

// Process decodes inv.Data and applies it to inv.Agreement.
func (p *Processor) Process(ctx context.Context, inv Invocation) (Outcome, error) {
	ix, err := instruction.Decode(inv.Data)
	if err != nil {
		p.metrics.observe("malformed", err)
		p.log.WithError(err).Info("rejected instruction")
		return Outcome{}, err
	}

	var out Outcome
	switch v := ix.(type) {
	case *instruction.Initialization:
		out, err = p.initialize(ctx, inv, v)
	case *instruction.Payment:
		out, err = p.pay(ctx, inv, v)
	case *instruction.Termination:
		out, err = p.terminate(inv)
	default:
		err = fmt.Errorf("%w: unsupported %T", instruction.ErrMalformedInstruction, ix)
	}
	out.Transition = ix.Tag()
	p.metrics.observe(ix.Tag().String(), err)
	if err == nil && out.Transferred > 0 {
		p.metrics.addTransferred(out.Transferred)
	}
	return out, err
}

func (p *Processor) logger(transition instruction.Tag, acct *Account) logrus.FieldLogger {
	fields := logrus.Fields{"transition": transition.String()}
	if acct != nil {
		fields["agreement"] = acct.Key.String()
	}
	return p.log.WithFields(fields)
}

func (p *Processor) checkOwner(acct *Account) error {
	if acct == nil {
		return fmt.Errorf("%w: agreement account missing", ErrInvalidAccountData)
	}
	if acct.Owner != p.programID {
		return ErrUnauthorizedAccount
	}
	return nil
}

func load(acct *Account) (agreement.Record, error) {
	rec, err := agreement.Decode(acct.Data)
	if err != nil {
		return agreement.Record{}, invalidData(err)
	}
	return rec, nil
}

// permit checks next against the lifecycle. Terms are fixed once the
// record is initialized.
func permit(prev, next agreement.Record) error {
	if !prev.Status.CanTransition(next.Status) {
		return fmt.Errorf("processor: illegal transition %s -> %s", prev.Status, next.Status)
	}
	if prev.IsInitialized() && prev.Terms() != next.Terms() {
		return fmt.Errorf("processor: terms of %s agreement changed", prev.Status)
	}
	return nil
}

// store overwrites the account data in place with rec.
func store(acct *Account, rec agreement.Record) error {
	if err := rec.EncodeInto(acct.Data); err != nil {
		return invalidData(err)
	}
	return nil
}
