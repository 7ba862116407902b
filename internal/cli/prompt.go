package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// promptCode reads a one-time code without echo when stdin is a terminal,
// or one line from stdin otherwise.
func promptCode(prompt string) (string, error) {
	return readCode(os.Stdin, os.Stderr, prompt, term.IsTerminal(int(os.Stdin.Fd())))
}

func readCode(in *os.File, out io.Writer, prompt string, tty bool) (string, error) {
	fmt.Fprint(out, prompt)
	if tty {
		code, err := term.ReadPassword(int(in.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("failed to read code: %w", err)
		}
		return strings.TrimSpace(string(code)), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read code: %w", err)
	}
	return strings.TrimSpace(line), nil
}
