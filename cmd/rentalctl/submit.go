package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"rentalflow/agreement"
	"rentalflow/identity"
	"rentalflow/ledger"
)

var (
	serverURL     string
	submitKey     string
	submitPayee   string
	submitToken   string
	allocKeyFile  string
	allocKey      string
	allocLamports uint64
)

func init() {
	for _, c := range []*cobra.Command{submitCmd, allocateCmd} {
		c.Flags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "rentald base URL")
	}

	submitCmd.Flags().StringVarP(&submitKey, "agreement", "a", "", "Agreement account identity")
	submitCmd.Flags().StringVar(&submitPayee, "payee", "", "Payee identity (payments only)")
	submitCmd.Flags().StringVarP(&submitToken, "token", "t", "", "Signed token from sign")
	_ = submitCmd.MarkFlagRequired("agreement")
	_ = submitCmd.MarkFlagRequired("token")

	allocateCmd.Flags().StringVarP(&allocKeyFile, "key", "k", "", "Funder private key file")
	allocateCmd.Flags().StringVarP(&allocKey, "agreement", "a", "", "Identity of the account to create")
	allocateCmd.Flags().Uint64Var(&allocLamports, "lamports", ledger.DefaultRent.MinimumBalance(agreement.Size), "Lamports to move into the new account")
	_ = allocateCmd.MarkFlagRequired("key")
	_ = allocateCmd.MarkFlagRequired("agreement")
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a signed instruction to rentald",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]string{
			"agreement": submitKey,
			"payee":     submitPayee,
			"token":     submitToken,
		}
		return post(cmd, "/api/instructions", body)
	},
}

var allocateCmd = &cobra.Command{
	Use:   "allocate",
	Short: "Create and fund an agreement account",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := identity.Parse(allocKey)
		if err != nil {
			return fmt.Errorf("agreement: %w", err)
		}
		token, err := allocationToken(allocKeyFile, time.Minute, key, allocLamports)
		if err != nil {
			return err
		}
		body := map[string]any{
			"key":      key.String(),
			"lamports": allocLamports,
			"token":    token,
		}
		return post(cmd, "/api/accounts", body)
	},
}

func post(cmd *cobra.Command, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(serverURL, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	fmt.Fprint(cmd.OutOrStdout(), string(out))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("rentald returned %s", resp.Status)
	}
	return nil
}
