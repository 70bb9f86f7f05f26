package processor

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"rentalflow/instruction"
)

// initialize moves a freshly allocated record from Uninitialized to Active.
func (p *Processor) initialize(ctx context.Context, inv Invocation, ix *instruction.Initialization) (Outcome, error) {
	log := p.logger(instruction.TagInitialization, inv.Agreement)
	acct := inv.Agreement

	if err := p.checkOwner(acct); err != nil {
		log.WithError(err).Warn("agreement account not owned by program")
		return Outcome{}, err
	}

	if inv.Exemption == nil {
		return Outcome{}, fmt.Errorf("processor: no exemption checker supplied")
	}
	exempt, err := inv.Exemption.IsExempt(ctx, acct)
	if err != nil {
		return Outcome{}, fmt.Errorf("processor: check rent exemption: %w", err)
	}
	if !exempt {
		log.WithField("lamports", acct.Lamports).Info("agreement account not rent exempt")
		return Outcome{}, ErrAccountNotExempt
	}

	prev, err := load(acct)
	if err != nil {
		log.WithField("size", len(acct.Data)).Info("agreement account data size incorrect")
		return Outcome{}, err
	}
	if prev.IsInitialized() {
		log.Info("agreement already initialized")
		return Outcome{}, ErrAlreadyInitialized
	}

	next := ix.Terms().Activate()
	if err := permit(prev, next); err != nil {
		return Outcome{}, err
	}
	if err := store(acct, next); err != nil {
		return Outcome{}, err
	}

	log.WithFields(logrus.Fields{
		"payee":       next.Payee.String(),
		"payer":       next.Payer.String(),
		"rent_amount": next.RentAmount,
		"duration":    next.Duration,
	}).Info("initialized agreement")
	return Outcome{Previous: prev, Record: next}, nil
}
