package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"rentalflow/agreement"
	"rentalflow/identity"
	"rentalflow/instruction"
	"rentalflow/ledger"
	"rentalflow/processor"
)

var (
	simDeposit        uint64
	simRent           uint64
	simDuration       uint64
	simTerminateAfter int
	simVerbose        bool
)

func init() {
	simulateCmd.Flags().Uint64Var(&simDeposit, "deposit", 500, "Deposit amount")
	simulateCmd.Flags().Uint64Var(&simRent, "rent", 100, "Rent per period")
	simulateCmd.Flags().Uint64Var(&simDuration, "duration", 12, "Number of payments")
	simulateCmd.Flags().IntVar(&simTerminateAfter, "terminate-after", -1, "Terminate after this many payments (-1 pays in full)")
	simulateCmd.Flags().BoolVarP(&simVerbose, "verbose", "v", false, "Log processor traces to stderr")
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run an agreement lifecycle against an in-memory ledger",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logrus.New()
		log.SetOutput(io.Discard)
		if simVerbose {
			log.SetOutput(cmd.ErrOrStderr())
			log.SetLevel(logrus.DebugLevel)
		}
		return simulate(cmd.Context(), cmd.OutOrStdout(), log, simulation{
			Deposit:        simDeposit,
			Rent:           simRent,
			Duration:       simDuration,
			TerminateAfter: simTerminateAfter,
		})
	},
}

type simulation struct {
	Deposit        uint64
	Rent           uint64
	Duration       uint64
	TerminateAfter int
}

type signerSet map[identity.ID]bool

func (s signerSet) Signed(id identity.ID) bool { return s[id] }

func randomIdentity() (identity.ID, error) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return identity.ID{}, err
	}
	return identity.FromPublicKey(pub)
}

func simulate(ctx context.Context, w io.Writer, log logrus.FieldLogger, sim simulation) error {
	ids := make([]identity.ID, 4)
	for i := range ids {
		id, err := randomIdentity()
		if err != nil {
			return err
		}
		ids[i] = id
	}
	programID, acctKey, payee, payer := ids[0], ids[1], ids[2], ids[3]

	rails := ledger.NewMemory()
	total := sim.Rent * sim.Duration
	if sim.Duration != 0 && total/sim.Duration != sim.Rent {
		return fmt.Errorf("rent %d x duration %d overflows", sim.Rent, sim.Duration)
	}
	// One spare period so the closing extra payment is refused by the
	// agreement rather than by the payer's balance.
	if err := rails.Credit(payer, total); err != nil {
		return err
	}
	if err := rails.Credit(payer, sim.Rent); err != nil {
		return err
	}

	acct := &processor.Account{
		Key:      acctKey,
		Owner:    programID,
		Lamports: ledger.DefaultRent.MinimumBalance(agreement.Size),
		Data:     make([]byte, agreement.Size),
	}
	proc := processor.New(programID).WithLogger(log)

	step := func(label string, ix instruction.Instruction) error {
		_, err := proc.Process(ctx, processor.Invocation{
			Agreement:  acct,
			Payer:      payer,
			Payee:      payee,
			Signatures: signerSet{payer: true},
			Ledger:     rails,
			Exemption:  ledger.RentExemption{Rent: ledger.DefaultRent},
			Data:       instruction.Encode(ix),
		})
		if err != nil {
			fmt.Fprintf(w, "%-14s rejected: %v (code %d)\n", label, err, processor.Code(err))
			return err
		}
		rec, err := agreement.Decode(acct.Data)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%-14s status=%-10s remaining=%d\n", label, rec.Status, rec.RemainingPayments)
		return nil
	}

	fmt.Fprintf(w, "payee %s\npayer %s\n", payee, payer)
	err := step("initialize", &instruction.Initialization{
		Payee:        payee,
		Payer:        payer,
		Deposit:      sim.Deposit,
		RentAmount:   sim.Rent,
		Duration:     sim.Duration,
		DurationUnit: agreement.DurationMonths,
	})
	if err != nil {
		return err
	}

	for i := 1; uint64(i) <= sim.Duration; i++ {
		if sim.TerminateAfter >= 0 && i > sim.TerminateAfter {
			break
		}
		if err := step(fmt.Sprintf("payment %d", i), &instruction.Payment{RentAmount: sim.Rent}); err != nil {
			return err
		}
	}
	if sim.TerminateAfter >= 0 && uint64(sim.TerminateAfter) < sim.Duration {
		if err := step("terminate", &instruction.Termination{}); err != nil {
			return err
		}
	}

	// One more payment shows the terminal state refusing it.
	_ = step("extra payment", &instruction.Payment{RentAmount: sim.Rent})

	paid, _ := rails.Balance(ctx, payee)
	left, _ := rails.Balance(ctx, payer)
	fmt.Fprintf(w, "payee received %d, payer holds %d\n", paid, left)
	return nil
}
