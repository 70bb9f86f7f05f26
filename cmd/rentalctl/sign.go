package main

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"rentalflow/auth"
	"rentalflow/identity"
	"rentalflow/instruction"
	"rentalflow/store"
)

var (
	signKeyFile string
	signHex     string
	signTTL     time.Duration
)

func init() {
	signCmd.Flags().StringVarP(&signKeyFile, "key", "k", "", "Private key file written by keygen")
	signCmd.Flags().StringVar(&signHex, "hex", "", "Hex-encoded instruction from encode")
	signCmd.Flags().DurationVar(&signTTL, "ttl", auth.DefaultTTL, "Token lifetime")
	_ = signCmd.MarkFlagRequired("key")
	_ = signCmd.MarkFlagRequired("hex")
}

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Wrap an encoded instruction in a signed token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := hex.DecodeString(strings.TrimSpace(signHex))
		if err != nil {
			return fmt.Errorf("decode hex: %w", err)
		}
		if _, err := instruction.Decode(data); err != nil {
			return err
		}
		token, err := signWithKey(signKeyFile, signTTL, data)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func signWithKey(path string, ttl time.Duration, data []byte) (string, error) {
	key, err := loadKey(path)
	if err != nil {
		return "", err
	}
	signer, err := auth.NewSigner(key, ttl)
	if err != nil {
		return "", err
	}
	return signer.Sign(data)
}

func allocationToken(path string, ttl time.Duration, key identity.ID, lamports uint64) (string, error) {
	return signWithKey(path, ttl, store.AllocationMessage(key, lamports))
}
