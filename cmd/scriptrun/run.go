package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"scriptrun/internal/catalog"
	"scriptrun/internal/logging"
	"scriptrun/internal/realtime"
	"scriptrun/internal/session"
)

// Exit statuses reported for runs that did not exit on their own.
const (
	timeoutExitCode   = 124
	interruptExitCode = 128 + int(syscall.SIGINT)
)

var (
	runInterpreter string
	runTimeout     time.Duration
	runExtensions  []string
)

var runCmd = &cobra.Command{
	Use:   "run <script>",
	Short: "Run a script in this terminal",
	Long: `Run one script under a pseudo-terminal, forwarding each line typed on
stdin as script input. The command exits with the script's exit status.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runInterpreter, "interpreter", "i", "python3", "interpreter used to run the script")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", session.DefaultInactivityTimeout, "stop the script after this long without input")
	runCmd.Flags().StringSliceVar(&runExtensions, "ext", []string{".py"}, "allowed script extensions")
}

// exitCodeError carries a script's non-zero exit status out of the command.
type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("script exited with status %d", e.code)
}

func runRun(cmd *cobra.Command, args []string) error {
	level := "warn"
	if debug {
		level = "debug"
	}
	logging.Setup(level, "console")

	opts := session.Options{
		Interpreter:       runInterpreter,
		InactivityTimeout: runTimeout,
	}
	if fd := int(os.Stdout.Fd()); term.IsTerminal(fd) {
		if w, h, err := term.GetSize(fd); err == nil {
			opts.Cols, opts.Rows = uint16(w), uint16(h)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code, err := runLocal(ctx, args[0], runExtensions, opts, cmd.InOrStdin(), cmd.OutOrStdout())
	if err != nil {
		return err
	}
	if code != 0 {
		return exitCodeError{code: code}
	}
	return nil
}

// runLocal runs one script to completion, copying its output to out and
// each line of in to its input. It returns the script's exit status.
func runLocal(ctx context.Context, script string, exts []string, opts session.Options, in io.Reader, out io.Writer) (int, error) {
	abs, err := filepath.Abs(script)
	if err != nil {
		return 0, err
	}
	resolver, err := catalog.NewResolver(filepath.Dir(abs), exts)
	if err != nil {
		return 0, err
	}
	path, err := resolver.Resolve(filepath.Base(abs))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", script, err)
	}

	registry := session.NewRegistry(1)
	defer registry.Shutdown()
	engine := session.NewEngine(registry, opts)

	id, err := registry.Create(path)
	if err != nil {
		return 0, err
	}

	var failure error
	code := 0
	sink := realtime.SinkFunc(func(msg session.Message) error {
		switch msg.Kind {
		case session.KindOutput:
			_, err := io.WriteString(out, msg.Text)
			return err
		case session.KindExit:
			code = msg.Code
		case session.KindTimeout:
			fmt.Fprintf(out, "\n[no input for %s, script stopped]\n", engine.Options().InactivityTimeout)
			code = timeoutExitCode
		case session.KindError:
			failure = errors.New(msg.Text)
		}
		return nil
	})

	if err := engine.Start(id); err != nil {
		// The queued error message explains the failure better than err.
		realtime.Pump(ctx, engine, id, sink, realtime.DefaultDrainInterval)
		if failure != nil {
			return 0, failure
		}
		return 0, err
	}

	go forwardInput(engine, id, in)

	if err := realtime.Pump(ctx, engine, id, sink, realtime.DefaultDrainInterval); err != nil {
		if ctx.Err() != nil {
			return interruptExitCode, nil
		}
		return 0, err
	}
	if failure != nil {
		return 0, failure
	}
	return code, nil
}

// forwardInput sends each line of in to the script until in ends or the
// script stops accepting input.
func forwardInput(engine *session.Engine, id string, in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if err := engine.SendInput(id, scanner.Text()); err != nil {
			return
		}
	}
}
