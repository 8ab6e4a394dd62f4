// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage secrets in the system keyring",
}

var secretSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Store a secret, reading the value from a hidden prompt",
	Args:  cobra.ExactArgs(1),
	Run:   runSecretSet,
}

var secretDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Remove a secret from the keyring",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		exitOnError(keyring.Delete(ServiceName, args[0]))
		fmt.Printf("deleted %s from the system keyring\n", args[0])
	},
}

var secretListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the secret names heddled knows how to use",
	Run: func(cmd *cobra.Command, args []string) {
		for _, key := range ListAvailableSecretKeys() {
			status := "unset"
			if value, err := keyring.Get(ServiceName, key); err == nil && value != "" {
				status = maskSecret(value)
			}
			fmt.Printf("%-28s %s\n", key, status)
		}
	},
}

func init() {
	secretCmd.AddCommand(secretSetCmd, secretDeleteCmd, secretListCmd)
	rootCmd.AddCommand(secretCmd)
}

func runSecretSet(cmd *cobra.Command, args []string) {
	name := args[0]

	known := ListAvailableSecretKeys()
	valid := false
	for _, key := range known {
		if key == name {
			valid = true
			break
		}
	}
	if !valid {
		fmt.Fprintf(os.Stderr, "Unknown secret name %q. Available:\n", name)
		for _, key := range known {
			fmt.Fprintf(os.Stderr, "  - %s\n", key)
		}
		os.Exit(1)
	}

	fmt.Printf("Enter %s (input hidden): ", name)
	secretBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	exitOnError(err)

	secret := strings.TrimSpace(string(secretBytes))
	if secret == "" {
		fmt.Fprintln(os.Stderr, "Secret cannot be empty")
		os.Exit(1)
	}

	exitOnError(keyring.Set(ServiceName, name, secret))
	fmt.Printf("saved %s to the system keyring\n", name)
}

// maskSecret shows only the edges, enough to recognize a key without
// exposing it.
func maskSecret(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}
