package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/sigreer/disktui/internal/model"
	"github.com/sigreer/disktui/internal/policy"
)

var errAborted = errors.New("aborted")

var stdin = bufio.NewReader(os.Stdin)

func readLine() (string, error) {
	line, err := stdin.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readPassphrase reads without echo from a terminal, or one line from a
// pipe. With confirm set on a terminal it asks twice.
func readPassphrase(prompt string, confirm bool) (model.Secret, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := readLine()
		if err != nil {
			return "", fmt.Errorf("reading passphrase: %w", err)
		}
		return model.Secret(line), nil
	}

	fmt.Fprint(os.Stderr, prompt)
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	if confirm {
		fmt.Fprint(os.Stderr, "Verify passphrase: ")
		second, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading passphrase: %w", err)
		}
		if string(first) != string(second) {
			return "", errors.New("passphrases do not match")
		}
	}
	return model.Secret(first), nil
}

// askConfirmation shows the prompt and returns the acknowledgement to pass
// to Confirm. assumeYes answers plain confirmations only; a typed
// acknowledgement always has to be typed or given with --ack.
func askConfirmation(r policy.Requirement, assumeYes bool, ack string) (string, error) {
	fmt.Fprintln(os.Stderr, r.Prompt)
	switch r.Level {
	case policy.TypedAck:
		if ack != "" {
			return ack, nil
		}
		fmt.Fprint(os.Stderr, "> ")
		line, err := readLine()
		if err != nil {
			return "", errAborted
		}
		if strings.TrimSpace(line) != r.Ack {
			return "", errAborted
		}
		return r.Ack, nil
	default:
		if assumeYes {
			return "", nil
		}
		fmt.Fprint(os.Stderr, "Continue? [y/N] ")
		line, err := readLine()
		if err != nil {
			return "", errAborted
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return "", nil
		}
		return "", errAborted
	}
}
