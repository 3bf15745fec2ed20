package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"botrelay/internal/app"
	"botrelay/internal/domain"
	"botrelay/internal/storage"
	logx "botrelay/pkg/logx"
)

func newAccountsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage the account store",
	}
	cmd.AddCommand(
		newAccountsListCmd(root),
		newAccountsAddCmd(root),
		newAccountsBanCmd(root, true),
		newAccountsBanCmd(root, false),
	)
	return cmd
}

func openStore(cmd *cobra.Command, root *rootOptions) (*storage.Guard, error) {
	return app.OpenStore(root.configPath, logx.NewWriter(cmd.ErrOrStderr(), "warn"))
}

// accountRow is the printable form of an account. Credentials never leave
// the store through the CLI.
type accountRow struct {
	ID           domain.AccountID     `json:"id"`
	Kind         domain.TransportKind `json:"kind"`
	Label        string               `json:"label,omitempty"`
	Banned       bool                 `json:"banned"`
	DailyCount   int                  `json:"daily_count"`
	LastActivity time.Time            `json:"last_activity,omitzero"`
	CreatedAt    time.Time            `json:"created_at"`
}

func newAccountsListCmd(root *rootOptions) *cobra.Command {
	var (
		active  bool
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts in rotation order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(cmd, root)
			if err != nil {
				return err
			}
			defer store.Close()

			accts, err := store.ListAccounts(cmd.Context(), active)
			if err != nil {
				return err
			}
			rows := make([]accountRow, 0, len(accts))
			for _, a := range accts {
				rows = append(rows, accountRow{
					ID: a.ID, Kind: a.Kind, Label: a.Label, Banned: a.Banned,
					DailyCount: a.DailyCount, LastActivity: a.LastActivity, CreatedAt: a.CreatedAt,
				})
			}
			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKIND\tLABEL\tBANNED\tTODAY\tLAST ACTIVITY")
			for _, r := range rows {
				last := "-"
				if !r.LastActivity.IsZero() {
					last = r.LastActivity.Local().Format(time.DateTime)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%d\t%s\n", r.ID, r.Kind, r.Label, r.Banned, r.DailyCount, last)
			}
			fmt.Fprintf(tw, "accounts: %d\n", len(rows))
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&active, "active", false, "hide banned accounts")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print as JSON")
	return cmd
}

func newAccountsAddCmd(root *rootOptions) *cobra.Command {
	var (
		kind     string
		label    string
		credFile string
		credEnv  string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register an account",
		Long: "add stores a new account. The credential (bot token, session blob) is read " +
			"from --credential-file or the environment variable named by --credential-env " +
			"so it never appears in shell history.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			k, err := parseSupportedKind(kind)
			if err != nil {
				return err
			}
			cred, err := readCredential(credFile, credEnv)
			if err != nil {
				return err
			}
			store, err := openStore(cmd, root)
			if err != nil {
				return err
			}
			defer store.Close()

			acct, err := store.CreateAccount(cmd.Context(), cred, k, strings.TrimSpace(label))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), acct.ID)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&kind, "kind", "", "transport kind: "+kindList())
	f.StringVar(&label, "label", "", "operator label")
	f.StringVar(&credFile, "credential-file", "", "file holding the credential")
	f.StringVar(&credEnv, "credential-env", "", "environment variable holding the credential")
	_ = cmd.MarkFlagRequired("kind")
	cmd.MarkFlagsMutuallyExclusive("credential-file", "credential-env")
	return cmd
}

func kindList() string {
	kinds := app.SupportedKinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}

// parseSupportedKind accepts only kinds this build has a transport for;
// an account of any other kind would never be used.
func parseSupportedKind(raw string) (domain.TransportKind, error) {
	k, err := domain.ParseTransportKind(raw)
	if err != nil {
		return "", err
	}
	if !slices.Contains(app.SupportedKinds(), k) {
		return "", fmt.Errorf("transport kind %q has no transport in this build (supported: %s)", k, kindList())
	}
	return k, nil
}

func readCredential(file, env string) ([]byte, error) {
	switch {
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		return []byte(strings.TrimSpace(string(data))), nil
	case env != "":
		v, ok := os.LookupEnv(env)
		if !ok {
			return nil, fmt.Errorf("environment variable %s is not set", env)
		}
		return []byte(strings.TrimSpace(v)), nil
	}
	return nil, nil
}

func newAccountsBanCmd(root *rootOptions, ban bool) *cobra.Command {
	use, short := "unban <id>", "Return an account to rotation"
	if ban {
		use, short = "ban <id>", "Remove an account from rotation"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Long: short + ". A running server picks the change up on its next health " +
			"sweep; use the status API to ban a connected account immediately.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd, root)
			if err != nil {
				return err
			}
			defer store.Close()

			id := domain.AccountID(strings.TrimSpace(args[0]))
			if ban {
				err = store.MarkBanned(cmd.Context(), id)
			} else {
				err = store.Unban(cmd.Context(), id)
			}
			if errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("account %s not found", id)
			}
			return err
		},
	}
}
