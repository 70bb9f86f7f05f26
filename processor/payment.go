package processor

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"rentalflow/agreement"
	"rentalflow/instruction"
)

// pay moves one period of rent from payer to payee. The checks run in a
// fixed order and each has its own error; the transfer is requested only
// after every local check passed and the record is written only after the
// transfer succeeded.
func (p *Processor) pay(ctx context.Context, inv Invocation, ix *instruction.Payment) (Outcome, error) {
	log := p.logger(instruction.TagPayment, inv.Agreement)
	acct := inv.Agreement

	if err := p.checkOwner(acct); err != nil {
		log.WithError(err).Warn("agreement account not owned by program")
		return Outcome{}, err
	}

	if inv.Signatures == nil || !inv.Signatures.Signed(inv.Payer) {
		log.WithField("payer", inv.Payer.String()).Warn("payer did not sign")
		return Outcome{}, ErrMissingSignature
	}

	if inv.Ledger == nil {
		return Outcome{}, fmt.Errorf("processor: no ledger supplied")
	}
	balance, err := inv.Ledger.Balance(ctx, inv.Payer)
	if err != nil {
		return Outcome{}, fmt.Errorf("processor: payer balance: %w", err)
	}
	if balance < ix.RentAmount {
		log.WithFields(logrus.Fields{"balance": balance, "amount": ix.RentAmount}).Info("payer cannot cover payment")
		return Outcome{}, ErrInsufficientFunds
	}

	// Paying yourself moves nothing and records nothing.
	if inv.Payer == inv.Payee {
		log.Debug("self payment ignored")
		return Outcome{Noop: true}, nil
	}

	prev, err := load(acct)
	if err != nil {
		log.WithField("size", len(acct.Data)).Info("agreement account data size incorrect")
		return Outcome{}, err
	}
	if !prev.IsInitialized() {
		log.Info("agreement account not initialized")
		return Outcome{}, ErrUninitializedAccount
	}
	if prev.Payee != inv.Payee {
		log.WithField("payee", inv.Payee.String()).Warn("payee must match the payee used at initialization")
		return Outcome{}, ErrPayeeMismatch
	}

	switch prev.Status {
	case agreement.StatusCompleted:
		log.Info("rent already paid in full")
		return Outcome{}, ErrAlreadyPaidInFull
	case agreement.StatusTerminated:
		log.Info("agreement already terminated")
		return Outcome{}, ErrAgreementTerminated
	case agreement.StatusActive:
	default:
		return Outcome{}, fmt.Errorf("processor: unexpected status %s", prev.Status)
	}

	if prev.RentAmount != ix.RentAmount {
		log.WithFields(logrus.Fields{"agreed": prev.RentAmount, "paid": ix.RentAmount}).Info("rent amount does not match agreement")
		return Outcome{}, ErrPaymentAmountMismatch
	}
	// A zero-duration agreement is Active with nothing left to pay.
	if prev.RemainingPayments == 0 {
		log.Info("no payments remaining")
		return Outcome{}, ErrAlreadyPaidInFull
	}

	next := prev
	next.RemainingPayments--
	if next.RemainingPayments == 0 {
		next.Status = agreement.StatusCompleted
	}
	if err := permit(prev, next); err != nil {
		return Outcome{}, err
	}

	log.WithFields(logrus.Fields{"amount": ix.RentAmount, "balance": balance}).Debug("transferring rent")
	if err := inv.Ledger.Transfer(ctx, inv.Payer, inv.Payee, ix.RentAmount); err != nil {
		log.WithError(err).Warn("rent transfer failed")
		return Outcome{}, fmt.Errorf("processor: transfer rent: %w", err)
	}

	if err := store(acct, next); err != nil {
		return Outcome{}, err
	}

	log.WithFields(logrus.Fields{
		"amount":    ix.RentAmount,
		"remaining": next.RemainingPayments,
		"status":    next.Status.String(),
	}).Info("rent paid")
	return Outcome{Previous: prev, Record: next, Transferred: ix.RentAmount}, nil
}
