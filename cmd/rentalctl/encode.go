package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"rentalflow/agreement"
	"rentalflow/identity"
	"rentalflow/instruction"
)

var (
	encPayee    string
	encPayer    string
	encDeposit  uint64
	encRent     uint64
	encDuration uint64
	encUnit     uint8
)

func init() {
	encodeInitCmd.Flags().StringVar(&encPayee, "payee", "", "Payee identity")
	encodeInitCmd.Flags().StringVar(&encPayer, "payer", "", "Payer identity")
	encodeInitCmd.Flags().Uint64Var(&encDeposit, "deposit", 0, "Deposit amount in lamports")
	encodeInitCmd.Flags().Uint64Var(&encRent, "rent", 0, "Rent per period in lamports")
	encodeInitCmd.Flags().Uint64Var(&encDuration, "duration", 0, "Number of rent payments")
	encodeInitCmd.Flags().Uint8Var(&encUnit, "unit", uint8(agreement.DurationMonths), "Duration unit tag")
	_ = encodeInitCmd.MarkFlagRequired("payee")
	_ = encodeInitCmd.MarkFlagRequired("payer")

	encodePayCmd.Flags().Uint64Var(&encRent, "rent", 0, "Rent amount being paid")
	_ = encodePayCmd.MarkFlagRequired("rent")

	encodeCmd.AddCommand(encodeInitCmd, encodePayCmd, encodeTerminateCmd)
}

var encodeCmd = &cobra.Command{
	Use:   "encode",
	Short: "Encode an instruction as hex",
}

var encodeInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Encode an Initialization instruction",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		payee, err := identity.Parse(encPayee)
		if err != nil {
			return fmt.Errorf("payee: %w", err)
		}
		payer, err := identity.Parse(encPayer)
		if err != nil {
			return fmt.Errorf("payer: %w", err)
		}
		return printInstruction(cmd, &instruction.Initialization{
			Payee:        payee,
			Payer:        payer,
			Deposit:      encDeposit,
			RentAmount:   encRent,
			Duration:     encDuration,
			DurationUnit: agreement.DurationUnit(encUnit),
		})
	},
}

var encodePayCmd = &cobra.Command{
	Use:   "pay",
	Short: "Encode a Payment instruction",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printInstruction(cmd, &instruction.Payment{RentAmount: encRent})
	},
}

var encodeTerminateCmd = &cobra.Command{
	Use:   "terminate",
	Short: "Encode a Termination instruction",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printInstruction(cmd, &instruction.Termination{})
	},
}

func printInstruction(cmd *cobra.Command, ix instruction.Instruction) error {
	_, err := fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(instruction.Encode(ix)))
	return err
}
