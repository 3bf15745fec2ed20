package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"botrelay/internal/app"
	"botrelay/internal/dispatch"
)

type dispatchOptions struct {
	name         string
	kind         string
	to           []string
	toFile       string
	messages     []string
	messageFiles []string
	jsonOut      bool
}

func newDispatchCmd(root *rootOptions) *cobra.Command {
	opts := &dispatchOptions{}
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Send one batch in the foreground and print its report",
		Long: "dispatch loads the accounts, sends every recipient one of the given messages " +
			"(picked at random) with the configured pacing and working hours, and exits. " +
			"Ctrl-C cancels the remaining recipients.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := opts.batch()
			if err != nil {
				return err
			}
			a, err := app.New(root.configPath)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			rep, runErr := a.RunOnce(ctx, b)

			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer stopCancel()
			_ = a.Stop(stopCtx, app.StopDispatchDone)

			if rep.BatchID == "" {
				return runErr
			}
			if err := printReport(cmd.OutOrStdout(), rep, opts.jsonOut); err != nil {
				return err
			}
			if runErr != nil && !rep.Cancelled {
				return runErr
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.name, "name", "", "batch name shown in logs and reports")
	f.StringVar(&opts.kind, "kind", "", "send only through accounts of this transport kind: "+kindList())
	f.StringSliceVar(&opts.to, "to", nil, "recipient (repeatable or comma separated)")
	f.StringVar(&opts.toFile, "to-file", "", "file with one recipient per line (# comments allowed)")
	f.StringArrayVarP(&opts.messages, "message", "m", nil, "message body (repeatable; one is chosen per recipient)")
	f.StringArrayVar(&opts.messageFiles, "message-file", nil, "file whose whole content is one message body (repeatable)")
	f.BoolVar(&opts.jsonOut, "json", false, "print the report as JSON")
	return cmd
}

func (o *dispatchOptions) batch() (dispatch.Batch, error) {
	recipients := make([]string, 0, len(o.to))
	for _, r := range o.to {
		if r = strings.TrimSpace(r); r != "" {
			recipients = append(recipients, r)
		}
	}
	if o.toFile != "" {
		fromFile, err := readRecipients(o.toFile)
		if err != nil {
			return dispatch.Batch{}, err
		}
		recipients = append(recipients, fromFile...)
	}
	if len(recipients) == 0 {
		return dispatch.Batch{}, errors.New("no recipients: use --to or --to-file")
	}

	contents := append([]string(nil), o.messages...)
	for _, p := range o.messageFiles {
		data, err := os.ReadFile(p)
		if err != nil {
			return dispatch.Batch{}, err
		}
		contents = append(contents, string(data))
	}
	b := dispatch.Batch{Name: o.name, Recipients: recipients, Contents: contents}
	if o.kind != "" {
		k, err := parseSupportedKind(o.kind)
		if err != nil {
			return dispatch.Batch{}, err
		}
		b.Kind = k
	}
	if err := b.Validate(); err != nil {
		return dispatch.Batch{}, fmt.Errorf("%w: use --message or --message-file", err)
	}
	return b, nil
}

func readRecipients(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return out, nil
}

func printReport(w io.Writer, rep dispatch.Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	_, err := fmt.Fprintf(w, "batch %s: total=%d sent=%d failed=%d skipped=%d remaining=%d cancelled=%t\n",
		rep.BatchID, rep.Total, rep.Sent, rep.Failed, rep.Skipped, rep.Remaining, rep.Cancelled)
	return err
}
