package passphrase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source lazily resolves a keystore passphrase from an environment variable or
// by prompting the operator. The value is cached after the first successful
// retrieval so repeated calls reuse the same secret.
type Source struct {
	envVar  string
	prompt  string
	confirm bool
	stderr  io.Writer

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a passphrase source that checks envVar before
// interactively prompting on the terminal.
func NewSource(envVar string) *Source {
	return &Source{
		envVar: strings.TrimSpace(envVar),
		prompt: "Enter keystore passphrase: ",
		stderr: os.Stderr,
	}
}

// NewConfirmingSource is like NewSource but asks twice when prompting, for
// commands that create a keystore.
func NewConfirmingSource(envVar string) *Source {
	s := NewSource(envVar)
	s.prompt = "Choose keystore passphrase: "
	s.confirm = true
	return s
}

// Get returns the cached passphrase or resolves it if this is the first call.
// Whitespace-only passphrases are rejected to avoid unprotected keystores.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		s.value, s.err = s.resolve()
	})
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := os.LookupEnv(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		if s.envVar != "" {
			return "", fmt.Errorf("keystore passphrase required; set %s or run interactively", s.envVar)
		}
		return "", errors.New("keystore passphrase required and no terminal available")
	}

	passphrase, err := s.read(fd, s.prompt)
	if err != nil {
		return "", err
	}
	if s.confirm {
		again, err := s.read(fd, "Repeat passphrase: ")
		if err != nil {
			return "", err
		}
		if again != passphrase {
			return "", errors.New("passphrases do not match")
		}
	}
	return passphrase, nil
}

func (s *Source) read(fd int, prompt string) (string, error) {
	fmt.Fprint(s.stderr, prompt)
	bytes, err := term.ReadPassword(fd)
	fmt.Fprintln(s.stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	passphrase := string(bytes)
	if strings.TrimSpace(passphrase) == "" {
		return "", errors.New("keystore passphrase cannot be empty")
	}
	return passphrase, nil
}
