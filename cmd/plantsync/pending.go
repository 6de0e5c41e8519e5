package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/alexjbarnes/plantsync/internal/models"
	"github.com/alexjbarnes/plantsync/internal/state"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// pendingEntry is one unsent record in the pending report.
type pendingEntry struct {
	Ref       models.RecordRef  `yaml:",inline"`
	Status    models.SyncStatus `yaml:"status"`
	Summary   string            `yaml:"summary"`
	Created   time.Time         `yaml:"created"`
	Attempts  int               `yaml:"attempts,omitempty"`
	LastError string            `yaml:"last_error,omitempty"`
	Rejected  bool              `yaml:"rejected,omitempty"`
}

// NewPendingCommand lists local records the server has not confirmed.
// It opens the store directly, so it cannot run while the daemon holds
// the database lock.
func NewPendingCommand() *cobra.Command {
	var (
		statePath string
		asYAML    bool
	)

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List records waiting to be uploaded",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				store *state.Store
				err   error
			)

			if statePath == "" {
				store, err = state.Load()
			} else {
				store, err = state.LoadAt(statePath)
			}

			if err != nil {
				return fmt.Errorf("opening state (is plantsync run still active?): %w", err)
			}
			defer store.Close()

			entries, err := collectPending(store)
			if err != nil {
				return err
			}

			if asYAML {
				return writePendingYAML(cmd.OutOrStdout(), entries)
			}

			return writePendingTable(cmd.OutOrStdout(), entries, time.Now())
		},
	}

	cmd.Flags().StringVar(&statePath, "state", os.Getenv("PLANTSYNC_STATE_PATH"), "path to the state database")
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "print YAML instead of a table")

	return cmd
}

func collectPending(store *state.Store) ([]pendingEntry, error) {
	var out []pendingEntry

	for _, kind := range models.SyncKinds {
		recs, err := store.GetAll(kind)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", kind, err)
		}

		for _, rec := range recs {
			if rec.Origin != models.OriginLocal || rec.SyncStatus == models.StatusSynced {
				continue
			}

			out = append(out, pendingEntry{
				Ref:       rec.Ref(),
				Status:    rec.SyncStatus,
				Summary:   summary(rec.Payload),
				Created:   rec.CreatedAt,
				Attempts:  rec.Attempts,
				LastError: rec.LastError,
				Rejected:  rec.Rejected,
			})
		}
	}

	return out, nil
}

const maxSummary = 40

func summary(p models.Payload) string {
	var s string

	switch {
	case p.Plant != nil:
		s = p.Plant.Name
		if p.Plant.Category != "" {
			s += " (" + p.Plant.Category + ")"
		}
	case p.Chat != nil:
		s = p.Chat.PlantID + ": " + p.Chat.Text
	}

	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > maxSummary {
		s = string(r[:maxSummary-1]) + "…"
	}

	return s
}

func writePendingYAML(w io.Writer, entries []pendingEntry) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(map[string]any{"pending": entries}); err != nil {
		return fmt.Errorf("encoding yaml: %w", err)
	}

	return enc.Close()
}

func writePendingTable(w io.Writer, entries []pendingEntry, now time.Time) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "nothing waiting to upload")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RECORD\tSTATUS\tCREATED\tATTEMPTS\tSUMMARY")

	for _, e := range entries {
		status := string(e.Status)
		if e.Rejected {
			status = "rejected"
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			e.Ref, status, humanize.RelTime(e.Created, now, "ago", "from now"), e.Attempts, e.Summary)
	}

	if err := tw.Flush(); err != nil {
		return err
	}

	rejected := 0

	for _, e := range entries {
		if e.Rejected {
			rejected++
		}
	}

	_, err := fmt.Fprintf(w, "\n%s waiting, %s rejected\n",
		humanize.Comma(int64(len(entries)-rejected)), humanize.Comma(int64(rejected)))

	return err
}
