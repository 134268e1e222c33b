package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/marmos91/dittogate/pkg/gate/advertise"
	"github.com/spf13/cobra"
)

func newDiscoverCommand() *cobra.Command {
	var (
		service string
		domain  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List devices advertising on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			found, err := advertise.Browse(ctx, service, domain)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(found) == 0 {
				fmt.Fprintln(out, "No devices found")
				return nil
			}
			for _, svc := range found {
				fmt.Fprintln(out, formatService(svc))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&service, "service", advertise.DefaultService, "DNS-SD service type")
	cmd.Flags().StringVar(&domain, "domain", advertise.DefaultDomain, "DNS-SD domain")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "How long to listen for advertisements")
	return cmd
}

func formatService(svc advertise.Service) string {
	line := fmt.Sprintf("%s\t%s:%d\t%s", svc.Instance, svc.Host, svc.Port, svc.Record.Status)
	if svc.Record.Status == advertise.StatusActive {
		line += fmt.Sprintf(" (%d clients)", svc.Record.Clients)
	}
	if len(svc.Addresses) > 0 {
		line += "\t" + strings.Join(svc.Addresses, ",")
	}
	return line
}
