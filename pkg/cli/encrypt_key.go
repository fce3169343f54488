package cli

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/0xMgwan/betuaa-sub000/pkg/keystore"
)

var (
	encryptOut        string
	encryptIterations int
)

var encryptKeyCmd = &cobra.Command{
	Use:   "encrypt-key",
	Short: "Encrypt a signer key into a key file",
	Long: "Reads a hex private key from KEEPER_PRIVATE_KEY or the first line of stdin " +
		"and writes it encrypted with KEEPER_KEY_PASSWORD to --out.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if encryptOut == "" {
			return errors.New("--out must be provided")
		}

		hexKey := os.Getenv("KEEPER_PRIVATE_KEY")
		if hexKey == "" {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("failed to read private key from stdin: %w", err)
			}
			hexKey = strings.TrimSpace(line)
		}
		key, err := keystore.ParsePrivateKey(hexKey)
		if err != nil {
			return err
		}

		data, err := keystore.Encrypt(key, os.Getenv("KEEPER_KEY_PASSWORD"), encryptIterations)
		if err != nil {
			return err
		}
		if err := os.WriteFile(encryptOut, data, 0o600); err != nil {
			return fmt.Errorf("failed to write key file: %w", err)
		}

		color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "Wrote %s for %s\n",
			encryptOut, crypto.PubkeyToAddress(key.PublicKey).Hex())
		return nil
	},
}

func init() {
	encryptKeyCmd.Flags().StringVar(&encryptOut, "out", "", "Path of the key file to write")
	encryptKeyCmd.Flags().IntVar(&encryptIterations, "iterations", keystore.DefaultIterations, "PBKDF2 iterations")
}
