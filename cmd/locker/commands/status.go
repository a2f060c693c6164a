package commands

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/spf13/cobra"

	"github.com/moltbunker/locker/internal/firewall"
	"github.com/moltbunker/locker/internal/project"
)

func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [container...]",
		Short: "Show container status",
		Long:  "Show state, addresses, port forwards and links of the containers.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(args)
			if err != nil {
				return err
			}
			defer s.Close()
			statuses, err := s.project.Status(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Print(renderStatus(statuses))
			return nil
		},
	}
}

var statusHeaders = []string{"Def.", "Name", "FQDN", "State", "IPs", "Ports", "Links"}

func renderStatus(statuses []project.Status) string {
	rows := make([][]string, 0, len(statuses))
	for _, st := range statuses {
		rows = append(rows, statusRow(st))
	}
	out := RenderTable(statusHeaders, rows)
	if !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	return out
}

func statusRow(st project.Status) []string {
	defined := "-"
	state := "UNDEFINED"
	if st.Defined {
		defined = "x"
		state = string(st.State)
	}
	return []string{
		defined,
		ContainerName(st.Name, st.Color),
		st.FQDN,
		StateBadge(state),
		joinAddrs(st.Addresses),
		joinPorts(st.Ports),
		strings.Join(st.Links, ","),
	}
}

func joinAddrs(addrs []netip.Addr) string {
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = a.String()
	}
	return strings.Join(parts, ",")
}

func joinPorts(ports []firewall.PortForward) string {
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = p.String()
	}
	return strings.Join(parts, ",")
}
