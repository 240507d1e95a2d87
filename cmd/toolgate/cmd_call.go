package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/toolgate-dev/toolgate/internal/errx"
	"github.com/toolgate-dev/toolgate/pkg/api"
	"github.com/toolgate-dev/toolgate/pkg/confirm"
)

var callCmd = &cobra.Command{
	Use:   "call <tool> [path|url] [flags] [-- command...]",
	Short: "Run one mediated tool call through the gate",
	Long: `Run one tool call through the full gate: capability routing, policy
evaluation, snapshotting, and execution.

When the decision requires confirmation and stdin is a TTY, the
prompt is answered interactively on the terminal. Without a TTY the
prompt resolves as deny-once and the command exits ` + "3" + `.`,
	Example: `  toolgate call shell -- git status
  toolgate call fetch https://example.com/api
  toolgate call read_file ./notes.txt
  toolgate call write_file ./out.txt --content "hello"
  toolgate call patch_file ./main.go --find old --replace new`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCall,
}

func init() {
	callCmd.Flags().String("agent", "", "Agent identity for capability routing")
	callCmd.Flags().String("cwd", "", "Working directory recorded for the operation")
	callCmd.Flags().Bool("pty", false, "Run shell commands under a pseudo-terminal")
	callCmd.Flags().String("content", "", "File content for write_file")
	callCmd.Flags().Bool("overwrite", false, "Replace the target of write_file if it exists")
	callCmd.Flags().String("find", "", "Text to replace for patch_file")
	callCmd.Flags().String("replace", "", "Replacement text for patch_file")
	callCmd.Flags().Bool("persist", false, "Persist always-allow/always-deny answers to the rule store")
	callCmd.Flags().Bool("json", false, "Print the full outcome as JSON")

	rootCmd.AddCommand(callCmd)
}

func runCall(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return errx.Wrap(ErrLoadConfig, err)
	}

	call, err := buildCall(cmd, args[0], args[1:])
	if err != nil {
		return err
	}

	g, err := openGate(cfg)
	if err != nil {
		return err
	}
	defer g.Close()

	ctx, cancel := contextWithSignal(cmd.Context())
	defer cancel()

	persist, _ := cmd.Flags().GetBool("persist")
	interactive := term.IsTerminal(int(os.Stdin.Fd()))

	var lines <-chan string
	if interactive {
		lines = readLines(bufio.NewReader(os.Stdin))
	}

	prompts := make(chan confirm.Prompt, 4)
	g.broker.SetNotifier(func(p confirm.Prompt) { prompts <- p })

	type execResult struct {
		outcome api.Outcome
		err     error
	}
	done := make(chan execResult, 1)
	go func() {
		outcome, err := g.executor.Execute(ctx, call, nil)
		done <- execResult{outcome, err}
	}()

	autoDenied := false
	for {
		select {
		case p := <-prompts:
			if !interactive {
				autoDenied = true
				g.broker.Resolve(p.ID, confirm.Resolution{Choice: confirm.DenyOnce})
				continue
			}
			res := askTerminal(ctx, lines, os.Stderr, p, persist)
			if err := g.broker.Resolve(p.ID, res); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: resolve confirmation: %v\n", err)
			}
		case r := <-done:
			if r.err != nil {
				return errx.Wrap(ErrCallFailed, r.err)
			}
			return printOutcome(cmd, r.outcome, autoDenied)
		}
	}
}

// buildCall assembles the tool call from positional args and flags.
func buildCall(cmd *cobra.Command, tool string, args []string) (api.ToolCall, error) {
	cwd, _ := cmd.Flags().GetString("cwd")

	var payload any
	switch tool {
	case api.ToolShell:
		if len(args) == 0 {
			return api.ToolCall{}, errx.With(ErrBadCallArgs, ": shell needs a command after --")
		}
		pty, _ := cmd.Flags().GetBool("pty")
		payload = api.ShellArgs{Command: api.ShellQuoteArgs(args), Cwd: cwd, PTY: pty}

	case api.ToolFetch:
		if len(args) != 1 {
			return api.ToolCall{}, errx.With(ErrBadCallArgs, ": fetch needs exactly one URL")
		}
		payload = api.FetchArgs{URL: args[0], Cwd: cwd}

	case api.ToolReadFile:
		if len(args) != 1 {
			return api.ToolCall{}, errx.With(ErrBadCallArgs, ": read_file needs exactly one path")
		}
		payload = api.ReadFileArgs{Path: args[0]}

	case api.ToolWriteFile:
		if len(args) != 1 {
			return api.ToolCall{}, errx.With(ErrBadCallArgs, ": write_file needs exactly one path")
		}
		content, _ := cmd.Flags().GetString("content")
		overwrite, _ := cmd.Flags().GetBool("overwrite")
		payload = api.WriteFileArgs{Path: args[0], Content: []byte(content), Overwrite: overwrite}

	case api.ToolPatchFile:
		if len(args) != 1 {
			return api.ToolCall{}, errx.With(ErrBadCallArgs, ": patch_file needs exactly one path")
		}
		find, _ := cmd.Flags().GetString("find")
		replace, _ := cmd.Flags().GetString("replace")
		if find == "" {
			return api.ToolCall{}, errx.With(ErrBadCallArgs, ": patch_file needs --find")
		}
		payload = api.PatchFileArgs{Path: args[0], Find: find, Replace: replace}

	default:
		return api.ToolCall{}, errx.With(ErrBadCallArgs, ": unknown tool %q", tool)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return api.ToolCall{}, errx.Wrap(ErrBadCallArgs, err)
	}
	agent, _ := cmd.Flags().GetString("agent")
	return api.ToolCall{ToolName: tool, Arguments: raw, AgentID: agent}, nil
}

// readLines feeds stdin lines to a channel so prompt waits can also
// observe ctx cancellation. The goroutine exits on EOF or read error.
func readLines(in *bufio.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		for {
			line, err := in.ReadString('\n')
			if err != nil {
				return
			}
			ch <- line
		}
	}()
	return ch
}

// askTerminal prompts on the terminal for one confirmation. EOF or a
// cancelled ctx resolves as deny-once.
func askTerminal(ctx context.Context, lines <-chan string, out io.Writer, p confirm.Prompt, persist bool) confirm.Resolution {
	fmt.Fprintf(out, "\n%s\n", p.Prompt)
	fmt.Fprintln(out, "  y) allow once   n) deny once   a) always allow   d) always deny")

	for {
		fmt.Fprint(out, "> ")
		select {
		case line, ok := <-lines:
			if !ok {
				return confirm.Resolution{Choice: confirm.DenyOnce}
			}
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "y", "yes":
				return confirm.Resolution{Choice: confirm.AllowOnce}
			case "n", "no":
				return confirm.Resolution{Choice: confirm.DenyOnce}
			case "a", "always":
				return confirm.Resolution{Choice: confirm.AlwaysAllow, Persist: persist}
			case "d", "never":
				return confirm.Resolution{Choice: confirm.AlwaysDeny, Persist: persist}
			default:
				fmt.Fprintln(out, "Answer y, n, a, or d.")
			}
		case <-ctx.Done():
			return confirm.Resolution{Choice: confirm.DenyOnce}
		}
	}
}

// printOutcome writes the outcome and returns the command's exit status.
// autoDenied marks a denial that only happened because no TTY was
// available to ask.
func printOutcome(cmd *cobra.Command, outcome api.Outcome, autoDenied bool) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	if asJSON {
		data, err := json.MarshalIndent(outcome, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return commandExit(exitFor(outcome, autoDenied))
	}

	switch outcome.Status {
	case api.StatusSucceeded:
		writeResult(outcome.Result)
	case api.StatusDenied, api.StatusCapabilityDenied:
		fmt.Fprintf(os.Stderr, "Denied: %s\n", outcome.Reason)
	case api.StatusTimedOut:
		fmt.Fprintf(os.Stderr, "Timed out: %s\n", outcome.Reason)
	case api.StatusToolDisabled, api.StatusBudgetExhausted:
		fmt.Fprintf(os.Stderr, "Refused: %s\n", outcome.Reason)
	case api.StatusFailed:
		// A failed shell call still carries its captured output.
		writeResult(outcome.Result)
		fmt.Fprintf(os.Stderr, "Failed: %s\n", outcome.Error)
	}
	return commandExit(exitFor(outcome, autoDenied))
}

func exitFor(outcome api.Outcome, autoDenied bool) int {
	switch outcome.Status {
	case api.StatusSucceeded:
		return exitOK
	case api.StatusDenied:
		if autoDenied {
			return exitConfirm
		}
		return exitDenied
	case api.StatusCapabilityDenied:
		return exitDenied
	case api.StatusTimedOut:
		return exitTimedOut
	default:
		return exitError
	}
}

func writeResult(result *api.ToolResult) {
	if result == nil {
		return
	}
	switch {
	case result.Shell != nil:
		os.Stdout.Write(result.Shell.Stdout)
		os.Stderr.Write(result.Shell.Stderr)
	case result.Fetch != nil:
		os.Stdout.Write(result.Fetch.Body)
	case result.File != nil:
		if result.File.Content != nil {
			os.Stdout.Write(result.File.Content)
		} else {
			fmt.Fprintf(os.Stderr, "Wrote %d bytes\n", result.File.BytesWritten)
		}
	}
}
