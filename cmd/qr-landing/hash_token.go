// -------------------------------------------------------------------------------
// Hash Token Subcommand - Generate Editor Token Hash
//
// Author: Alex Freidah
//
// Reads an editor token from stdin and prints the bcrypt hash to paste into
// editor.token_hash. Reading from stdin keeps the token out of shell history.
// -------------------------------------------------------------------------------

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/afreidah/qr-landing/internal/auth"
)

// runHashToken hashes the token on stdin, exiting non-zero on failure.
func runHashToken() { // codecov:ignore -- os.Exit wrapper, logic tested via hashToken
	if err := hashToken(os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// hashToken reads the first line of r as the token and writes its hash to w.
func hashToken(r io.Reader, w io.Writer) error {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return fmt.Errorf("failed to read token: %w", err)
	}
	hash, err := auth.HashToken(strings.TrimRight(line, "\r\n"))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, hash)
	return err
}
