package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"storyrun-backend/internal/services"
)

var keyProvider string

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage stored provider API keys",
}

var keysSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Encrypt and store a provider API key read from stdin",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, err := userID()
		if err != nil {
			return err
		}

		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("failed to read key from stdin: %w", err)
		}
		key := strings.TrimSpace(line)
		if key == "" {
			return fmt.Errorf("empty key")
		}

		a, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		sealed, err := a.Cipher.Seal([]byte(key), []byte(user.String()))
		if err != nil {
			return err
		}
		if err := a.DB.PutEncryptedKey(cmd.Context(), user, keyProvider, sealed); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "stored %s key for %s\n", keyProvider, user)
		return nil
	},
}

func init() {
	keysSetCmd.Flags().StringVar(&keyProvider, "provider", services.ImageProviderName, "Provider the key belongs to")
	keysCmd.AddCommand(keysSetCmd)
	rootCmd.AddCommand(keysCmd)
}
