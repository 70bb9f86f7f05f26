package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"rentalflow/agreement"
	"rentalflow/identity"
	"rentalflow/instruction"
)

var (
	programID = party(0xEE)
	payee     = party(1)
	payer     = party(2)
	stranger  = party(3)
)

func party(b byte) identity.ID {
	var id identity.ID
	for i := range id {
		id[i] = b
	}
	return id
}

type fakeSigners map[identity.ID]bool

func (f fakeSigners) Signed(id identity.ID) bool { return f[id] }

type fakeLedger struct {
	balances    map[identity.ID]uint64
	transferErr error
	balanceErr  error
	transfers   int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{balances: map[identity.ID]uint64{payer: 10_000}}
}

func (f *fakeLedger) Balance(_ context.Context, id identity.ID) (uint64, error) {
	if f.balanceErr != nil {
		return 0, f.balanceErr
	}
	return f.balances[id], nil
}

func (f *fakeLedger) Transfer(_ context.Context, from, to identity.ID, amount uint64) error {
	if f.transferErr != nil {
		return f.transferErr
	}
	if f.balances[from] < amount {
		return errors.New("fake ledger: short")
	}
	f.balances[from] -= amount
	f.balances[to] += amount
	f.transfers++
	return nil
}

type fakeExemption struct {
	exempt bool
	err    error
}

func (f fakeExemption) IsExempt(context.Context, *Account) (bool, error) {
	return f.exempt, f.err
}

type harness struct {
	p       *Processor
	acct    *Account
	ledger  *fakeLedger
	signers fakeSigners
	exempt  fakeExemption
}

func newHarness() *harness {
	return &harness{
		p: New(programID),
		acct: &Account{
			Key:   party(0xA0),
			Owner: programID,
			Data:  make([]byte, agreement.Size),
		},
		ledger:  newFakeLedger(),
		signers: fakeSigners{payer: true},
		exempt:  fakeExemption{exempt: true},
	}
}

func (h *harness) invoke(in instruction.Instruction) (Outcome, error) {
	return h.invokeAs(payer, payee, in)
}

func (h *harness) invokeAs(from, to identity.ID, in instruction.Instruction) (Outcome, error) {
	return h.p.Process(context.Background(), Invocation{
		Agreement:  h.acct,
		Payer:      from,
		Payee:      to,
		Signatures: h.signers,
		Ledger:     h.ledger,
		Exemption:  h.exempt,
		Data:       instruction.Encode(in),
	})
}

func (h *harness) record(t *testing.T) agreement.Record {
	t.Helper()
	rec, err := agreement.Decode(h.acct.Data)
	if err != nil {
		t.Fatalf("decode record: %v", err)
	}
	return rec
}

func (h *harness) snapshot() []byte {
	return append([]byte(nil), h.acct.Data...)
}

func (h *harness) mustInit(t *testing.T, duration uint64) {
	t.Helper()
	if _, err := h.invoke(exampleInit(duration)); err != nil {
		t.Fatalf("initialize: %v", err)
	}
}

func exampleInit(duration uint64) *instruction.Initialization {
	return &instruction.Initialization{
		Payee:        payee,
		Payer:        payer,
		Deposit:      500,
		RentAmount:   100,
		Duration:     duration,
		DurationUnit: agreement.DurationMonths,
	}
}

func TestInitialize(t *testing.T) {
	h := newHarness()

	out, err := h.invoke(exampleInit(12))
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}

	want := agreement.Record{
		Status:            agreement.StatusActive,
		Payee:             payee,
		Payer:             payer,
		Deposit:           500,
		RentAmount:        100,
		Duration:          12,
		DurationUnit:      agreement.DurationMonths,
		RemainingPayments: 12,
	}
	if diff := cmp.Diff(want, h.record(t)); diff != "" {
		t.Fatalf("record mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, out.Record); diff != "" {
		t.Fatalf("outcome mismatch (-want +got):\n%s", diff)
	}
	if out.Transition != instruction.TagInitialization {
		t.Fatalf("expected initialization outcome, got %s", out.Transition)
	}
	if h.ledger.transfers != 0 {
		t.Fatalf("initialization must not move funds")
	}
}

func TestInitialize_Twice(t *testing.T) {
	h := newHarness()
	h.mustInit(t, 12)
	before := h.snapshot()

	other := exampleInit(3)
	other.Payee = stranger
	if _, err := h.invoke(other); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
	if !bytes.Equal(before, h.acct.Data) {
		t.Fatalf("record changed on rejected re-initialization")
	}
}

func TestInitialize_NotExempt(t *testing.T) {
	h := newHarness()
	h.exempt = fakeExemption{exempt: false}
	before := h.snapshot()

	if _, err := h.invoke(exampleInit(12)); !errors.Is(err, ErrAccountNotExempt) {
		t.Fatalf("expected ErrAccountNotExempt, got %v", err)
	}
	if !bytes.Equal(before, h.acct.Data) {
		t.Fatalf("record changed on rejected initialization")
	}
}

func TestInitialize_ExemptionError(t *testing.T) {
	h := newHarness()
	boom := errors.New("rent sysvar unavailable")
	h.exempt = fakeExemption{err: boom}

	_, err := h.invoke(exampleInit(12))
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped collaborator error, got %v", err)
	}
	if ClassOf(err) != ClassInternal {
		t.Fatalf("expected internal class, got %s", ClassOf(err))
	}
}

func TestInitialize_WrongOwner(t *testing.T) {
	h := newHarness()
	h.acct.Owner = stranger

	if _, err := h.invoke(exampleInit(12)); !errors.Is(err, ErrUnauthorizedAccount) {
		t.Fatalf("expected ErrUnauthorizedAccount, got %v", err)
	}
	if !bytes.Equal(make([]byte, agreement.Size), h.acct.Data) {
		t.Fatalf("record changed")
	}
}

func TestInitialize_WrongSize(t *testing.T) {
	for _, n := range []int{0, agreement.Size - 1, agreement.Size + 1} {
		h := newHarness()
		h.acct.Data = make([]byte, n)

		_, err := h.invoke(exampleInit(12))
		if !errors.Is(err, ErrInvalidAccountData) {
			t.Fatalf("size %d: expected ErrInvalidAccountData, got %v", n, err)
		}
		if len(h.acct.Data) != n {
			t.Fatalf("size %d: buffer resized to %d", n, len(h.acct.Data))
		}
	}
}

func TestPayment_ExampleLifecycle(t *testing.T) {
	h := newHarness()
	h.mustInit(t, 12)

	for i := 1; i <= 12; i++ {
		out, err := h.invoke(&instruction.Payment{RentAmount: 100})
		if err != nil {
			t.Fatalf("payment %d: %v", i, err)
		}
		if out.Transferred != 100 {
			t.Fatalf("payment %d: expected 100 transferred, got %d", i, out.Transferred)
		}
		rec := h.record(t)
		if rec.RemainingPayments != uint64(12-i) {
			t.Fatalf("payment %d: expected %d remaining, got %d", i, 12-i, rec.RemainingPayments)
		}
		wantStatus := agreement.StatusActive
		if i == 12 {
			wantStatus = agreement.StatusCompleted
		}
		if rec.Status != wantStatus {
			t.Fatalf("payment %d: expected status %s, got %s", i, wantStatus, rec.Status)
		}
	}

	if got := h.ledger.balances[payee]; got != 1200 {
		t.Fatalf("expected payee to receive 1200, got %d", got)
	}

	before := h.snapshot()
	if _, err := h.invoke(&instruction.Payment{RentAmount: 100}); !errors.Is(err, ErrAlreadyPaidInFull) {
		t.Fatalf("13th payment: expected ErrAlreadyPaidInFull, got %v", err)
	}
	if !bytes.Equal(before, h.acct.Data) {
		t.Fatalf("record changed on rejected payment")
	}
	if h.ledger.transfers != 12 {
		t.Fatalf("expected 12 transfers, got %d", h.ledger.transfers)
	}
}

func TestPayment_AmountMismatch(t *testing.T) {
	for _, amount := range []uint64{0, 99, 101, 1000} {
		h := newHarness()
		h.mustInit(t, 12)
		before := h.snapshot()

		if _, err := h.invoke(&instruction.Payment{RentAmount: amount}); !errors.Is(err, ErrPaymentAmountMismatch) {
			t.Fatalf("amount %d: expected ErrPaymentAmountMismatch, got %v", amount, err)
		}
		if h.ledger.transfers != 0 {
			t.Fatalf("amount %d: transfer performed", amount)
		}
		if !bytes.Equal(before, h.acct.Data) {
			t.Fatalf("amount %d: record changed", amount)
		}
	}
}

func TestPayment_SelfPaymentIsNoop(t *testing.T) {
	h := newHarness()
	h.mustInit(t, 12)
	h.signers[payee] = true
	h.ledger.balances[payee] = 500
	before := h.snapshot()

	out, err := h.invokeAs(payee, payee, &instruction.Payment{RentAmount: 100})
	if err != nil {
		t.Fatalf("self payment: %v", err)
	}
	if !out.Noop {
		t.Fatalf("expected noop outcome")
	}
	if h.ledger.transfers != 0 || h.ledger.balances[payee] != 500 {
		t.Fatalf("self payment moved funds")
	}
	if !bytes.Equal(before, h.acct.Data) {
		t.Fatalf("self payment changed record")
	}

	// The short-circuit happens before the record is even decoded.
	h.acct.Data = []byte{0xff}
	if _, err := h.invokeAs(payee, payee, &instruction.Payment{RentAmount: 1}); err != nil {
		t.Fatalf("self payment on undecodable record: %v", err)
	}
}

func TestPayment_PreconditionOrder(t *testing.T) {
	cases := []struct {
		name  string
		setup func(h *harness) (from, to identity.ID, amount uint64)
		want  error
	}{
		{
			name: "unsigned payer",
			setup: func(h *harness) (identity.ID, identity.ID, uint64) {
				delete(h.signers, payer)
				h.ledger.balances[payer] = 0
				return payer, payee, 100
			},
			want: ErrMissingSignature,
		},
		{
			name: "insufficient funds before self payment",
			setup: func(h *harness) (identity.ID, identity.ID, uint64) {
				h.ledger.balances[payer] = 99
				return payer, payer, 100
			},
			want: ErrInsufficientFunds,
		},
		{
			name: "insufficient funds before amount check",
			setup: func(h *harness) (identity.ID, identity.ID, uint64) {
				h.ledger.balances[payer] = 10
				return payer, payee, 500
			},
			want: ErrInsufficientFunds,
		},
		{
			name: "uninitialized",
			setup: func(h *harness) (identity.ID, identity.ID, uint64) {
				h.acct.Data = make([]byte, agreement.Size)
				return payer, payee, 100
			},
			want: ErrUninitializedAccount,
		},
		{
			name: "payee redirected",
			setup: func(h *harness) (identity.ID, identity.ID, uint64) {
				return payer, stranger, 100
			},
			want: ErrPayeeMismatch,
		},
		{
			name: "payee checked before amount",
			setup: func(h *harness) (identity.ID, identity.ID, uint64) {
				return payer, stranger, 7
			},
			want: ErrPayeeMismatch,
		},
		{
			name: "wrong owner first",
			setup: func(h *harness) (identity.ID, identity.ID, uint64) {
				h.acct.Owner = stranger
				delete(h.signers, payer)
				return payer, payee, 100
			},
			want: ErrUnauthorizedAccount,
		},
		{
			name: "garbage record",
			setup: func(h *harness) (identity.ID, identity.ID, uint64) {
				h.acct.Data = h.acct.Data[:10]
				return payer, payee, 100
			},
			want: ErrInvalidAccountData,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness()
			h.mustInit(t, 12)
			from, to, amount := tc.setup(h)
			before := h.snapshot()

			_, err := h.invokeAs(from, to, &instruction.Payment{RentAmount: amount})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if h.ledger.transfers != 0 {
				t.Fatalf("transfer performed on rejected payment")
			}
			if !bytes.Equal(before, h.acct.Data) {
				t.Fatalf("record changed on rejected payment")
			}
		})
	}
}

func TestPayment_PayeeMismatchIsInvalidAccountData(t *testing.T) {
	if !errors.Is(ErrPayeeMismatch, ErrInvalidAccountData) {
		t.Fatalf("payee mismatch must surface as invalid account data")
	}
	if ClassOf(ErrPayeeMismatch) != ClassAuthorization {
		t.Fatalf("payee mismatch must classify as authorization")
	}
}

func TestPayment_TransferFailureLeavesRecord(t *testing.T) {
	h := newHarness()
	h.mustInit(t, 12)
	before := h.snapshot()
	boom := errors.New("rail unavailable")
	h.ledger.transferErr = boom

	_, err := h.invoke(&instruction.Payment{RentAmount: 100})
	if !errors.Is(err, boom) {
		t.Fatalf("expected transfer error to propagate, got %v", err)
	}
	if !bytes.Equal(before, h.acct.Data) {
		t.Fatalf("record changed after failed transfer")
	}
}

func TestPayment_BalanceError(t *testing.T) {
	h := newHarness()
	h.mustInit(t, 12)
	boom := errors.New("balance lookup failed")
	h.ledger.balanceErr = boom

	if _, err := h.invoke(&instruction.Payment{RentAmount: 100}); !errors.Is(err, boom) {
		t.Fatalf("expected balance error, got %v", err)
	}
}

func TestPayment_ZeroDuration(t *testing.T) {
	h := newHarness()
	h.mustInit(t, 0)
	before := h.snapshot()

	if _, err := h.invoke(&instruction.Payment{RentAmount: 100}); !errors.Is(err, ErrAlreadyPaidInFull) {
		t.Fatalf("expected ErrAlreadyPaidInFull, got %v", err)
	}
	if h.ledger.transfers != 0 || !bytes.Equal(before, h.acct.Data) {
		t.Fatalf("zero-duration payment had an effect")
	}
}

func TestPayment_ThirdPartyPayer(t *testing.T) {
	h := newHarness()
	h.mustInit(t, 2)
	h.signers[stranger] = true
	h.ledger.balances[stranger] = 100

	if _, err := h.invokeAs(stranger, payee, &instruction.Payment{RentAmount: 100}); err != nil {
		t.Fatalf("third party payment: %v", err)
	}
	if got := h.record(t).RemainingPayments; got != 1 {
		t.Fatalf("expected 1 remaining, got %d", got)
	}
}

func TestTermination(t *testing.T) {
	h := newHarness()
	h.mustInit(t, 12)
	for i := 0; i < 9; i++ {
		if _, err := h.invoke(&instruction.Payment{RentAmount: 100}); err != nil {
			t.Fatalf("payment %d: %v", i, err)
		}
	}
	if got := h.record(t).RemainingPayments; got != 3 {
		t.Fatalf("expected 3 remaining, got %d", got)
	}

	out, err := h.invoke(&instruction.Termination{})
	if err != nil {
		t.Fatalf("terminate: %v", err)
	}
	rec := h.record(t)
	if rec.Status != agreement.StatusTerminated || rec.RemainingPayments != 0 {
		t.Fatalf("unexpected record after termination: %+v", rec)
	}
	if out.Previous.RemainingPayments != 3 {
		t.Fatalf("expected previous remaining 3, got %d", out.Previous.RemainingPayments)
	}
	if diff := cmp.Diff(out.Previous.Terms(), rec.Terms()); diff != "" {
		t.Fatalf("termination changed terms:\n%s", diff)
	}

	transfers := h.ledger.transfers
	before := h.snapshot()
	if _, err := h.invoke(&instruction.Payment{RentAmount: 100}); !errors.Is(err, ErrAgreementTerminated) {
		t.Fatalf("payment after termination: expected ErrAgreementTerminated, got %v", err)
	}
	if _, err := h.invoke(&instruction.Termination{}); !errors.Is(err, ErrAgreementTerminated) {
		t.Fatalf("second termination: expected ErrAgreementTerminated, got %v", err)
	}
	if h.ledger.transfers != transfers || !bytes.Equal(before, h.acct.Data) {
		t.Fatalf("rejected instructions had an effect")
	}
}

func TestTermination_Rejections(t *testing.T) {
	h := newHarness()
	if _, err := h.invoke(&instruction.Termination{}); !errors.Is(err, ErrUninitializedAccount) {
		t.Fatalf("expected ErrUninitializedAccount, got %v", err)
	}

	h.mustInit(t, 1)
	if _, err := h.invoke(&instruction.Payment{RentAmount: 100}); err != nil {
		t.Fatalf("payment: %v", err)
	}
	if _, err := h.invoke(&instruction.Termination{}); !errors.Is(err, ErrAlreadyPaidInFull) {
		t.Fatalf("expected ErrAlreadyPaidInFull, got %v", err)
	}

	h.acct.Owner = stranger
	if _, err := h.invoke(&instruction.Termination{}); !errors.Is(err, ErrUnauthorizedAccount) {
		t.Fatalf("expected ErrUnauthorizedAccount, got %v", err)
	}
}

func TestProcess_MalformedInstruction(t *testing.T) {
	h := newHarness()
	for _, data := range [][]byte{nil, {9}, {1, 2}} {
		_, err := h.p.Process(context.Background(), Invocation{Agreement: h.acct, Data: data})
		if !errors.Is(err, instruction.ErrMalformedInstruction) {
			t.Fatalf("data %v: expected ErrMalformedInstruction, got %v", data, err)
		}
	}
}

func TestProcess_MissingAccount(t *testing.T) {
	p := New(programID)
	_, err := p.Process(context.Background(), Invocation{Data: []byte{2}})
	if !errors.Is(err, ErrInvalidAccountData) {
		t.Fatalf("expected ErrInvalidAccountData, got %v", err)
	}
}

func TestCodeAndClass(t *testing.T) {
	cases := []struct {
		err   error
		code  uint32
		class Class
	}{
		{instruction.ErrMalformedInstruction, CodeMalformedInstruction, ClassMalformed},
		{fmt.Errorf("wrap: %w", ErrInvalidAccountData), CodeInvalidAccountData, ClassMalformed},
		{ErrPayeeMismatch, CodeInvalidAccountData, ClassAuthorization},
		{ErrUnauthorizedAccount, CodeUnauthorizedAccount, ClassAuthorization},
		{ErrMissingSignature, CodeMissingSignature, ClassAuthorization},
		{ErrAlreadyInitialized, CodeAlreadyInitialized, ClassState},
		{ErrAccountNotExempt, CodeAccountNotExempt, ClassState},
		{ErrInsufficientFunds, CodeInsufficientFunds, ClassState},
		{ErrUninitializedAccount, CodeUninitializedAccount, ClassState},
		{ErrAlreadyPaidInFull, CodeAlreadyPaidInFull, ClassState},
		{ErrPaymentAmountMismatch, CodePaymentAmountMismatch, ClassState},
		{ErrAgreementTerminated, CodeAgreementTerminated, ClassState},
		{errors.New("db down"), CodeInternal, ClassInternal},
	}
	for _, tc := range cases {
		if got := Code(tc.err); got != tc.code {
			t.Errorf("Code(%v) = %d, want %d", tc.err, got, tc.code)
		}
		if got := ClassOf(tc.err); got != tc.class {
			t.Errorf("ClassOf(%v) = %s, want %s", tc.err, got, tc.class)
		}
	}
}

func TestPermitKeepsTermsFixed(t *testing.T) {
	prev := agreement.Terms{Payee: payee, Payer: payer, Deposit: 500, RentAmount: 100, Duration: 3}.Activate()

	next := prev
	next.RemainingPayments--
	if err := permit(prev, next); err != nil {
		t.Fatalf("payment step rejected: %v", err)
	}

	next.RentAmount = 1
	if err := permit(prev, next); err == nil {
		t.Fatal("expected changed rent amount to be rejected")
	}

	fresh := agreement.Record{}
	if err := permit(fresh, prev); err != nil {
		t.Fatalf("initialization rejected: %v", err)
	}
}
