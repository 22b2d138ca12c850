package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dmelnic/stevedore/internal/stevedore/host"
	"github.com/dmelnic/stevedore/internal/stevedore/provider"
)

func newListCmd() *cobra.Command {
	var (
		providerName string
		state        string
		tags         []string
		asJSON       bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List hosts across all providers",
		Long: "Lists every host each provider knows about, including recently destroyed\n" +
			"hosts inferred from the listing cache and retained creation failures.\n" +
			"Unreachable providers degrade to cached data marked STALE.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, providerName, state, tags, asJSON)
		},
	}
	cmd.Flags().StringVarP(&providerName, "provider", "p", "", "restrict to one provider instance")
	cmd.Flags().StringVar(&state, "state", "", "filter by state (running, stopped, destroyed, failed, ...)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "filter by tag, key=value (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print machine-readable JSON")
	return cmd
}

func runList(cmd *cobra.Command, providerName, state string, tags []string, asJSON bool) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	filter := &provider.Filter{}
	if state != "" {
		filter.States = []host.State{host.State(state)}
	}
	if len(tags) > 0 {
		filter.Tags = make(map[string]string, len(tags))
		for _, t := range tags {
			k, v, ok := strings.Cut(t, "=")
			if !ok {
				return fmt.Errorf("bad --tag %q, want key=value", t)
			}
			filter.Tags[k] = v
		}
	}

	listings := a.fleet.List(a.ctx(), filter)
	if providerName != "" {
		kept := listings[:0]
		for _, l := range listings {
			if l.Provider == providerName {
				kept = append(kept, l)
			}
		}
		listings = kept
	}

	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(listings)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tID\tNAME\tSTATE\tIMAGE\tTAGS\tNOTES")
	for _, l := range listings {
		if l.Err != nil {
			fmt.Fprintf(w, "%s\t-\t-\t-\t-\t-\tunavailable: %v\n", l.Provider, l.Err)
			continue
		}
		hosts := append([]provider.HostSummary(nil), l.Hosts...)
		sort.Slice(hosts, func(i, j int) bool { return hosts[i].Name < hosts[j].Name })
		for _, h := range hosts {
			var notes []string
			if h.Stale || l.Stale {
				notes = append(notes, "STALE")
			}
			if h.Error != "" {
				notes = append(notes, h.Error)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				l.Provider, h.ID, h.Name, h.State, h.Image,
				formatTags(h.Tags), strings.Join(notes, "; "))
		}
	}
	return w.Flush()
}

func formatTags(tags map[string]string) string {
	if len(tags) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+tags[k])
	}
	return strings.Join(parts, ",")
}
