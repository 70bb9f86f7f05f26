package store

import (
	"rentalflow/agreement"
	"rentalflow/identity"
	"rentalflow/instruction"
	"rentalflow/processor"
)

// Timeline event types.
const (
	EventAgreementInitialized = "AGREEMENT_INITIALIZED"
	EventRentPaid             = "RENT_PAID"
	EventAgreementCompleted   = "AGREEMENT_COMPLETED"
	EventAgreementTerminated  = "AGREEMENT_TERMINATED"
	EventAccountAllocated     = "ACCOUNT_ALLOCATED"
)

// Outbox topics.
const (
	TopicStatusChanged   = "agreement.status_changed"
	TopicPaymentReceived = "agreement.payment_received"
)

// effects lists the timeline events and outbox messages an applied outcome
// produces, in insertion order.
func effects(key identity.ID, actor identity.ID, out processor.Outcome) ([]TimelineEvent, []OutboxMessage) {
	var (
		events []TimelineEvent
		msgs   []OutboxMessage
	)
	if out.Noop {
		return nil, nil
	}

	rec := out.Record
	event := func(typ string, payload map[string]any) {
		a := actor
		events = append(events, TimelineEvent{AgreementKey: key, Type: typ, Payload: payload, Actor: &a})
	}
	statusChanged := func() {
		msgs = append(msgs, OutboxMessage{
			Topic: TopicStatusChanged,
			Payload: map[string]any{
				"agreement": key.String(),
				"from":      out.Previous.Status.String(),
				"to":        rec.Status.String(),
			},
		})
	}

	switch out.Transition {
	case instruction.TagInitialization:
		event(EventAgreementInitialized, map[string]any{
			"payee":         rec.Payee.String(),
			"payer":         rec.Payer.String(),
			"deposit":       rec.Deposit,
			"rent_amount":   rec.RentAmount,
			"duration":      rec.Duration,
			"duration_unit": rec.DurationUnit.String(),
		})
		statusChanged()
	case instruction.TagPayment:
		event(EventRentPaid, map[string]any{
			"payer":     actor.String(),
			"payee":     rec.Payee.String(),
			"amount":    out.Transferred,
			"remaining": rec.RemainingPayments,
		})
		msgs = append(msgs, OutboxMessage{
			Topic: TopicPaymentReceived,
			Payload: map[string]any{
				"agreement": key.String(),
				"payee":     rec.Payee.String(),
				"amount":    out.Transferred,
				"remaining": rec.RemainingPayments,
			},
		})
		if rec.Status == agreement.StatusCompleted {
			event(EventAgreementCompleted, map[string]any{"payments": rec.Duration})
			statusChanged()
		}
	case instruction.TagTermination:
		event(EventAgreementTerminated, map[string]any{
			"remaining_payments": out.Previous.RemainingPayments,
		})
		statusChanged()
	}
	return events, msgs
}
