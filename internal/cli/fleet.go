package cli

import (
	"io"
	"strconv"
	"strings"

	"github.com/gramvpn/provisioning-service/internal/app"
	"github.com/gramvpn/provisioning-service/internal/models"
	"github.com/spf13/cobra"
)

func newFleetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fleet",
		Short: "Inspect the VPN server fleet",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List servers with their load",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				servers, err := a.Fleet.ListServers(cmd.Context())
				if err != nil {
					return err
				}
				return renderServers(cmd.OutOrStdout(), servers)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "probe",
		Short: "Check which enabled servers are reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				report, err := a.Fleet.Probe(cmd.Context())
				if err != nil {
					return err
				}
				return renderProbeReport(cmd.OutOrStdout(), report)
			})
		},
	})

	return cmd
}

func renderServers(w io.Writer, servers []models.ServerSummary) error {
	if outputFormat == "json" {
		return printJSON(w, servers)
	}

	t := NewTable("ID", "NAME", "COUNTRY", "ADDRESS", "ENABLED", "SUBSCRIBERS")
	for _, s := range servers {
		t.AddRow(
			strconv.FormatInt(s.ID, 10),
			s.Name,
			s.Country,
			s.Address,
			strconv.FormatBool(s.Enabled),
			strconv.Itoa(s.ActiveSubscribers),
		)
	}
	return t.Render(w)
}

func renderProbeReport(w io.Writer, report *models.ProbeReport) error {
	if outputFormat == "json" {
		return printJSON(w, report)
	}

	optimal := "-"
	if report.OptimalID != nil {
		optimal = strconv.FormatInt(*report.OptimalID, 10)
	}
	ids := make([]string, 0, len(report.ReachableIDs))
	for _, id := range report.ReachableIDs {
		ids = append(ids, strconv.FormatInt(id, 10))
	}
	reachable := "-"
	if len(ids) > 0 {
		reachable = strings.Join(ids, ",")
	}

	t := NewTable("TOTAL", "REACHABLE", "REACHABLE IDS", "OPTIMAL")
	t.AddRow(strconv.Itoa(report.Total), strconv.Itoa(report.Reachable), reachable, optimal)
	return t.Render(w)
}
