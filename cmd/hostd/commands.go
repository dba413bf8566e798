package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/loykin/hostd/pkg/client"
)

type command struct {
	flags *GlobalFlags
}

func (c command) client() *client.Client {
	return client.New(client.Config{BaseURL: c.flags.APIUrl, Timeout: c.flags.APITimeout})
}

// connect returns a client after checking hostd answers.
func (c command) connect(ctx context.Context) (*client.Client, error) {
	cl := c.client()
	if !cl.IsReachable(ctx) {
		return nil, fmt.Errorf("hostd not reachable at %s - start it first with 'hostd serve'", cl.BaseURL())
	}
	return cl, nil
}

func createStatusCommand(hc command) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the backend state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, err := hc.connect(cmd.Context())
			if err != nil {
				return err
			}
			st, err := cl.BackendStatus(cmd.Context())
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func createHealthCommand(hc command) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe the backend health endpoint now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, err := hc.connect(cmd.Context())
			if err != nil {
				return err
			}
			res, err := cl.CheckBackendHealth(cmd.Context())
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), res)
			if !res.OK {
				return fmt.Errorf("backend unhealthy")
			}
			return nil
		},
	}
}

func createRestartCommand(hc command) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the backend and wait until it is healthy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, err := hc.connect(cmd.Context())
			if err != nil {
				return err
			}
			st, err := cl.RestartBackend(cmd.Context())
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func createStatsCommand(hc command) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show CPU and memory of the backend process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, err := hc.connect(cmd.Context())
			if err != nil {
				return err
			}
			st, err := cl.BackendStats(cmd.Context())
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func createEventsCommand(hc command) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow backend lifecycle events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, err := hc.connect(cmd.Context())
			if err != nil {
				return err
			}
			seen := 0
			enc := json.NewEncoder(cmd.OutOrStdout())
			return cl.Events(cmd.Context(), func(ev client.Event) bool {
				_ = enc.Encode(ev)
				seen++
				return count <= 0 || seen < count
			})
		},
	}
	cmd.Flags().IntVar(&count, "count", 0, "exit after this many events (0 = follow)")
	return cmd
}

// --- records ---

func createRecordsCommand(hc command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Manage local records",
	}

	var q client.ListQuery
	list := &cobra.Command{
		Use:   "list",
		Short: "List records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, err := hc.connect(cmd.Context())
			if err != nil {
				return err
			}
			recs, err := cl.ListRecords(cmd.Context(), q)
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), recs)
			return nil
		},
	}
	list.Flags().IntVar(&q.Limit, "limit", 0, "page size (server default 50, max 500)")
	list.Flags().IntVar(&q.Offset, "offset", 0, "records to skip")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			cl, err := hc.connect(cmd.Context())
			if err != nil {
				return err
			}
			rec, err := cl.GetRecord(cmd.Context(), id)
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), rec)
			return nil
		},
	}

	var kind, payload string
	save := &cobra.Command{
		Use:   "save",
		Short: "Save a record; payload is JSON, - for stdin or @file",
		Example: `  hostd records save --kind=conversation --payload='{"title":"hi"}'
  cat doc.json | hostd records save --kind=doc --payload=-`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := readPayload(payload, cmd.InOrStdin())
			if err != nil {
				return err
			}
			cl, err := hc.connect(cmd.Context())
			if err != nil {
				return err
			}
			id, err := cl.SaveRecord(cmd.Context(), kind, body)
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), map[string]int64{"id": id})
			return nil
		},
	}
	save.Flags().StringVar(&kind, "kind", "", "record kind (required)")
	save.Flags().StringVar(&payload, "payload", "", "JSON payload or - for stdin (required)")
	if err := save.MarkFlagRequired("kind"); err != nil {
		panic(err)
	}
	if err := save.MarkFlagRequired("payload"); err != nil {
		panic(err)
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			cl, err := hc.connect(cmd.Context())
			if err != nil {
				return err
			}
			return cl.DeleteRecord(cmd.Context(), id)
		},
	}

	markSynced := &cobra.Command{
		Use:   "mark-synced <id>...",
		Short: "Mark records as synced",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, a := range args {
				id, err := parseID(a)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			cl, err := hc.connect(cmd.Context())
			if err != nil {
				return err
			}
			n, err := cl.MarkSynced(cmd.Context(), ids...)
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), map[string]int64{"count": n})
			return nil
		},
	}

	cmd.AddCommand(list, get, save, del, markSynced)
	return cmd
}

// --- settings ---

func createSettingsCommand(hc command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Read and write UI settings",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List all settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, err := hc.connect(cmd.Context())
			if err != nil {
				return err
			}
			all, err := cl.ListSettings(cmd.Context())
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), all)
			return nil
		},
	}
	get := &cobra.Command{
		Use:   "get <key>",
		Short: "Print a setting value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := hc.connect(cmd.Context())
			if err != nil {
				return err
			}
			st, err := cl.GetSetting(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), st.Value)
			return nil
		},
	}
	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := hc.connect(cmd.Context())
			if err != nil {
				return err
			}
			return cl.SetSetting(cmd.Context(), args[0], args[1])
		},
	}
	del := &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := hc.connect(cmd.Context())
			if err != nil {
				return err
			}
			return cl.DeleteSetting(cmd.Context(), args[0])
		},
	}
	cmd.AddCommand(list, get, set, del)
	return cmd
}

// --- secrets ---

func createSecretCommand(hc command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage credentials in the secure store",
	}
	info := &cobra.Command{
		Use:   "info",
		Short: "Show which secure store is active",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, err := hc.connect(cmd.Context())
			if err != nil {
				return err
			}
			si, err := cl.SecureInfo(cmd.Context())
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), si)
			return nil
		},
	}
	var value string
	set := &cobra.Command{
		Use:   "set <account>",
		Short: "Store a secret (--value or stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := value
			if secret == "" {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read secret: %w", err)
				}
				secret = trimNewline(string(b))
			}
			if secret == "" {
				return fmt.Errorf("secret is empty")
			}
			cl, err := hc.connect(cmd.Context())
			if err != nil {
				return err
			}
			return cl.SetSecret(cmd.Context(), args[0], secret)
		},
	}
	set.Flags().StringVar(&value, "value", "", "secret value (read from stdin when empty)")
	del := &cobra.Command{
		Use:   "delete <account>",
		Short: "Delete a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := hc.connect(cmd.Context())
			if err != nil {
				return err
			}
			return cl.DeleteSecret(cmd.Context(), args[0])
		},
	}
	cmd.AddCommand(info, set, del)
	return cmd
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid record id %q", s)
	}
	return id, nil
}

func readPayload(arg string, stdin io.Reader) (json.RawMessage, error) {
	var b []byte
	switch arg {
	case "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		b = data
	default:
		if len(arg) > 1 && arg[0] == '@' {
			// #nosec G304
			data, err := os.ReadFile(arg[1:])
			if err != nil {
				return nil, fmt.Errorf("read payload: %w", err)
			}
			b = data
		} else {
			b = []byte(arg)
		}
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return b, nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
