// Package store hosts agreement accounts in PostgreSQL. Each signed
// instruction runs in one transaction covering the idempotency guard, the
// account row lock, the rent transfer, the record write, the read-side
// projection, the timeline and the outbox.
package store

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"rentalflow/agreement"
	"rentalflow/auth"
	"rentalflow/identity"
	"rentalflow/ledger"
	"rentalflow/processor"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ExecutorRepository defines the data access the executor needs.
type ExecutorRepository interface {
	InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error
	CreateAccount(ctx context.Context, tx pgx.Tx, acct processor.Account) error
	LockAccount(ctx context.Context, tx pgx.Tx, key identity.ID) (*processor.Account, error)
	SaveAccount(ctx context.Context, tx pgx.Tx, acct *processor.Account) error
	UpsertProjection(ctx context.Context, tx pgx.Tx, key identity.ID, rec agreement.Record) error
	AppendTimeline(ctx context.Context, tx pgx.Tx, ev TimelineEvent) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, msg OutboxMessage) error
	Balance(ctx context.Context, tx pgx.Tx, key identity.ID) (uint64, error)
	LockBalances(ctx context.Context, tx pgx.Tx, keys ...identity.ID) (map[identity.ID]uint64, error)
	Credit(ctx context.Context, tx pgx.Tx, key identity.ID, amount uint64) error
	Debit(ctx context.Context, tx pgx.Tx, key identity.ID, amount uint64) error
}

// Request is one signed instruction addressed to an agreement account.
type Request struct {
	Agreement identity.ID
	// Payee is the recipient named by a Payment; ignored otherwise.
	Payee    identity.ID
	Envelope auth.Envelope
}

// AllocateParams funds a new program-owned agreement account.
type AllocateParams struct {
	Key        identity.ID
	Funder     identity.ID
	Lamports   uint64
	Signatures processor.SignatureVerifier
}

type Executor struct {
	pool      TxBeginner
	repo      ExecutorRepository
	proc      *processor.Processor
	exemption processor.ExemptionChecker
	ledgerFor func(pgx.Tx) processor.Ledger
	log       logrus.FieldLogger
}

// NewExecutor wires an executor. A nil repo uses the PostgreSQL Repository.
func NewExecutor(pool TxBeginner, repo ExecutorRepository, proc *processor.Processor, rent ledger.Rent) *Executor {
	if repo == nil {
		repo = NewRepository()
	}
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	e := &Executor{
		pool:      pool,
		repo:      repo,
		proc:      proc,
		exemption: ledger.RentExemption{Rent: rent},
		log:       discard,
	}
	e.ledgerFor = func(tx pgx.Tx) processor.Ledger {
		return &txLedger{tx: tx, repo: e.repo}
	}
	return e
}

// WithLogger sets the executor's logger.
func (e *Executor) WithLogger(log logrus.FieldLogger) *Executor {
	if log != nil {
		e.log = log
	}
	return e
}

// Execute applies one signed instruction. Any error leaves the database
// untouched, including the idempotency guard, so a rejected token may be
// resubmitted once the blocking condition clears.
func (e *Executor) Execute(ctx context.Context, req Request) (processor.Outcome, error) {
	env := req.Envelope
	if len(env.Instruction) == 0 {
		return processor.Outcome{}, fmt.Errorf("store: empty instruction")
	}
	log := e.log.WithFields(logrus.Fields{
		"agreement": req.Agreement.String(),
		"signer":    env.Signer.String(),
		"token_id":  env.ID,
	})

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return processor.Outcome{}, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := e.repo.InsertIdempotencyKey(ctx, tx, hex.EncodeToString(env.Digest[:])); err != nil {
		if errors.Is(err, ErrDuplicateInstruction) {
			log.Info("duplicate instruction ignored")
		}
		return processor.Outcome{}, err
	}

	acct, err := e.repo.LockAccount(ctx, tx, req.Agreement)
	if err != nil {
		return processor.Outcome{}, err
	}

	out, err := e.proc.Process(ctx, processor.Invocation{
		Agreement:  acct,
		Payer:      env.Signer,
		Payee:      req.Payee,
		Signatures: env,
		Ledger:     e.ledgerFor(tx),
		Exemption:  e.exemption,
		Data:       env.Instruction,
	})
	if err != nil {
		log.WithError(err).WithField("code", processor.Code(err)).Info("instruction rejected")
		return processor.Outcome{}, err
	}

	if !out.Noop {
		if err := e.persist(ctx, tx, acct, env.Signer, out); err != nil {
			return processor.Outcome{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return processor.Outcome{}, fmt.Errorf("store: commit tx: %w", err)
	}

	log.WithFields(logrus.Fields{
		"transition": out.Transition.String(),
		"status":     out.Record.Status.String(),
		"noop":       out.Noop,
	}).Info("instruction applied")
	return out, nil
}

func (e *Executor) persist(ctx context.Context, tx pgx.Tx, acct *processor.Account, actor identity.ID, out processor.Outcome) error {
	if err := e.repo.SaveAccount(ctx, tx, acct); err != nil {
		return err
	}
	if err := e.repo.UpsertProjection(ctx, tx, acct.Key, out.Record); err != nil {
		return err
	}

	events, msgs := effects(acct.Key, actor, out)
	for _, ev := range events {
		if err := e.repo.AppendTimeline(ctx, tx, ev); err != nil {
			return err
		}
	}
	for _, msg := range msgs {
		if err := e.repo.EnqueueOutbox(ctx, tx, msg); err != nil {
			return err
		}
	}
	return nil
}

// Allocate creates a zero-filled agreement account owned by the program,
// funded from the funder's lamports.
func (e *Executor) Allocate(ctx context.Context, params AllocateParams) error {
	if params.Key.IsZero() {
		return fmt.Errorf("store: account key required")
	}
	if params.Signatures == nil || !params.Signatures.Signed(params.Funder) {
		return processor.ErrMissingSignature
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	balances, err := e.repo.LockBalances(ctx, tx, params.Funder)
	if err != nil {
		return err
	}
	if balances[params.Funder] < params.Lamports {
		return fmt.Errorf("%w: funder has %d, needs %d", ledger.ErrInsufficientBalance, balances[params.Funder], params.Lamports)
	}

	err = e.repo.CreateAccount(ctx, tx, processor.Account{
		Key:      params.Key,
		Owner:    e.proc.ProgramID(),
		Lamports: params.Lamports,
		Data:     make([]byte, agreement.Size),
	})
	if err != nil {
		return err
	}
	if params.Lamports > 0 {
		if err := e.repo.Debit(ctx, tx, params.Funder, params.Lamports); err != nil {
			return err
		}
	}

	funder := params.Funder
	err = e.repo.AppendTimeline(ctx, tx, TimelineEvent{
		AgreementKey: params.Key,
		Type:         EventAccountAllocated,
		Payload:      map[string]any{"lamports": params.Lamports, "size": agreement.Size},
		Actor:        &funder,
	})
	if err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit tx: %w", err)
	}
	e.log.WithFields(logrus.Fields{
		"agreement": params.Key.String(),
		"funder":    params.Funder.String(),
		"lamports":  params.Lamports,
	}).Info("agreement account allocated")
	return nil
}

// Fund credits lamports to a wallet account, creating it when missing.
func (e *Executor) Fund(ctx context.Context, key identity.ID, amount uint64) error {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := e.repo.Credit(ctx, tx, key, amount); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit tx: %w", err)
	}
	return nil
}

// AllocationMessage is the payload a funder signs to authorize Allocate:
// the new account key followed by the little-endian lamports.
func AllocationMessage(key identity.ID, lamports uint64) []byte {
	msg := make([]byte, identity.Size+8)
	copy(msg, key[:])
	binary.LittleEndian.PutUint64(msg[identity.Size:], lamports)
	return msg
}
