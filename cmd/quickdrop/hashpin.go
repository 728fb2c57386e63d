package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

var hashPinCost int

var hashPinCmd = &cobra.Command{
	Use:   "hash-pin PIN",
	Short: "Print a bcrypt hash suitable for the pin_hash setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if args[0] == "" {
			return errors.New("pin is empty")
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), hashPinCost)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(hash))
		return nil
	},
}

func init() {
	hashPinCmd.Flags().IntVar(&hashPinCost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	rootCmd.AddCommand(hashPinCmd)
}
