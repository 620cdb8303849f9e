// Package confirmation asks the operator before destructive commands run.
package confirmation

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	appErrors "tenant-backup/internal/errors"
)

// Action describes what the operator is asked to approve
type Action struct {
	Title   string
	Details []string
	// Phrase, when set, must be typed back exactly instead of y/N
	Phrase string
}

// Service prompts on an input stream
type Service struct {
	reader      *bufio.Reader
	out         io.Writer
	interactive bool
}

// NewService creates a prompter. A non-interactive prompter refuses every
// action that was not approved up front.
func NewService(in io.Reader, out io.Writer, interactive bool) *Service {
	return &Service{
		reader:      bufio.NewReader(in),
		out:         out,
		interactive: interactive,
	}
}

// Confirm shows the action and waits for an answer. autoApprove skips the
// prompt. A declined or interrupted prompt returns a cancelled error.
func (s *Service) Confirm(action Action, autoApprove bool) error {
	s.describe(action)

	if autoApprove {
		fmt.Fprintln(s.out, "Auto-approving.")
		return nil
	}
	if !s.interactive {
		return appErrors.NewValidationError(appErrors.ReasonInvalidInput,
			"confirmation required: rerun with --yes to approve without a prompt")
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	for {
		answer, err := s.ask(action, interrupt)
		if err != nil {
			return err
		}

		if action.Phrase != "" {
			if answer == action.Phrase {
				return nil
			}
			return declined()
		}
		switch strings.ToLower(answer) {
		case "y", "yes":
			return nil
		case "n", "no", "":
			return declined()
		default:
			fmt.Fprintf(s.out, "Invalid input '%s'. Please enter 'y' for yes or 'n' for no.\n", answer)
		}
	}
}

func (s *Service) describe(action Action) {
	fmt.Fprintln(s.out, action.Title)
	for _, line := range action.Details {
		fmt.Fprintf(s.out, "  - %s\n", line)
	}
}

func (s *Service) ask(action Action, interrupt <-chan os.Signal) (string, error) {
	if action.Phrase != "" {
		fmt.Fprintf(s.out, "Type '%s' to continue: ", action.Phrase)
	} else {
		fmt.Fprint(s.out, "Do you want to continue? [y/N]: ")
	}

	type result struct {
		line string
		err  error
	}
	input := make(chan result, 1)
	go func() {
		line, err := s.reader.ReadString('\n')
		input <- result{line: strings.TrimSpace(line), err: err}
	}()

	select {
	case <-interrupt:
		fmt.Fprintln(s.out)
		return "", appErrors.NewCancelledError("operation cancelled by user")
	case r := <-input:
		if r.err == io.EOF {
			// a final line without a newline still counts
			return r.line, nil
		}
		if r.err != nil {
			return "", fmt.Errorf("failed to read user input: %w", r.err)
		}
		return r.line, nil
	}
}

func declined() error {
	return appErrors.NewCancelledError("operation declined by user")
}
