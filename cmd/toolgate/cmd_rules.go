package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/toolgate-dev/toolgate/internal/errx"
	"github.com/toolgate-dev/toolgate/pkg/policy"
	"github.com/toolgate-dev/toolgate/pkg/rules"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage persisted policy rules",
}

var rulesListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List persisted rules",
	Args:    cobra.NoArgs,
	RunE:    runRulesList,
}

var rulesAddCmd = &cobra.Command{
	Use:   "add <kind> <pattern>",
	Short: "Persist a policy rule",
	Long: `Persist a policy rule to the store.

kind is allow, deny, or confirm. The pattern matches operations as
"<tool>:<body>" with * and ** wildcards; a bare body (no colon)
matches every tool. An optional --scope pattern restricts the rule
to operations whose path or working directory matches.`,
	Example: `  toolgate rules add allow "shell:git *"
  toolgate rules add deny "shell:rm *"
  toolgate rules add confirm "write_file:/etc/**"`,
	Args: cobra.ExactArgs(2),
	RunE: runRulesAdd,
}

var rulesClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every persisted rule",
	Args:  cobra.NoArgs,
	RunE:  runRulesClear,
}

func init() {
	rulesAddCmd.Flags().String("scope", "", "Scope pattern the operation's path or cwd must match")

	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesAddCmd)
	rulesCmd.AddCommand(rulesClearCmd)
	rootCmd.AddCommand(rulesCmd)
}

// openRuleStore opens the persisted rule store under the configured
// data directory.
func openRuleStore() (*rules.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, errx.Wrap(ErrLoadConfig, err)
	}
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errx.Wrap(ErrCreateDataDir, err)
	}
	store, err := rules.OpenStore(filepath.Join(dataDir, ruleDBFile))
	if err != nil {
		return nil, errx.Wrap(ErrOpenRuleStore, err)
	}
	return store, nil
}

func runRulesList(cmd *cobra.Command, args []string) error {
	store, err := openRuleStore()
	if err != nil {
		return err
	}
	defer store.Close()

	list, err := store.List()
	if err != nil {
		return errx.Wrap(ErrListRules, err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tPATTERN\tSCOPE\tEXACT\tCREATED")
	for _, r := range list {
		scope := r.Scope
		if scope == "" {
			scope = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n",
			r.Kind, r.Pattern, scope, r.Exact, r.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runRulesAdd(cmd *cobra.Command, args []string) error {
	scope, _ := cmd.Flags().GetString("scope")
	r := policy.Rule{
		Kind:      policy.Kind(args[0]),
		Pattern:   args[1],
		Scope:     scope,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.Validate(); err != nil {
		return err
	}

	store, err := openRuleStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Append(r); err != nil {
		return err
	}
	fmt.Printf("Added %s rule %q\n", r.Kind, r.Pattern)
	return nil
}

func runRulesClear(cmd *cobra.Command, args []string) error {
	store, err := openRuleStore()
	if err != nil {
		return err
	}
	defer store.Close()

	list, err := store.List()
	if err != nil {
		return errx.Wrap(ErrListRules, err)
	}
	if err := store.Clear(); err != nil {
		return err
	}
	fmt.Printf("Cleared %d persisted rules\n", len(list))
	return nil
}
