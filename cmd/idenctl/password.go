// ABOUTME: Password acquisition for idenctl from the environment or an interactive prompt
// ABOUTME: Prompts twice when creating an identity so typos do not seal an unusable keystore

package main

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"
)

const passwordEnv = "IDENMOBILE_PASSWORD"

var errNoTerminal = errors.New("no terminal available for password prompt (set " + passwordEnv + ")")

func readPassword(confirm bool) (string, error) {
	if pw := os.Getenv(passwordEnv); pw != "" {
		return pw, nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errNoTerminal
	}

	pw, err := prompt(fd, "Password: ")
	if err != nil {
		return "", err
	}
	if !confirm {
		return pw, nil
	}
	again, err := prompt(fd, "Repeat password: ")
	if err != nil {
		return "", err
	}
	if pw != again {
		return "", errors.New("passwords do not match")
	}
	return pw, nil
}

func prompt(fd int, label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(b), nil
}
