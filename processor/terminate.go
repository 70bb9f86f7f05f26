package processor

import (
	"fmt"

	"rentalflow/agreement"
	"rentalflow/instruction"
)

// terminate ends an Active agreement early. It only gates on the current
// status; it does not evaluate calendar time.
// TODO: enforce the agreement start date once records carry one.
func (p *Processor) terminate(inv Invocation) (Outcome, error) {
	log := p.logger(instruction.TagTermination, inv.Agreement)
	acct := inv.Agreement

	if err := p.checkOwner(acct); err != nil {
		log.WithError(err).Warn("agreement account not owned by program")
		return Outcome{}, err
	}

	prev, err := load(acct)
	if err != nil {
		log.WithField("size", len(acct.Data)).Info("agreement account data size incorrect")
		return Outcome{}, err
	}

	switch prev.Status {
	case agreement.StatusUninitialized:
		log.Info("agreement account not initialized")
		return Outcome{}, ErrUninitializedAccount
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

	next := prev
	next.RemainingPayments = 0
	next.Status = agreement.StatusTerminated
	if err := permit(prev, next); err != nil {
		return Outcome{}, err
	}
	if err := store(acct, next); err != nil {
		return Outcome{}, err
	}

	log.WithField("remaining", prev.RemainingPayments).Info("agreement terminated")
	return Outcome{Previous: prev, Record: next}, nil
}
