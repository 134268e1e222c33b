package main

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/marmos91/dittogate/pkg/client"
	"github.com/spf13/cobra"
)

func newConnectCommand() *cobra.Command {
	var opts client.Options
	var messages []string
	var hold time.Duration

	cmd := &cobra.Command{
		Use:   "connect <host:port>",
		Short: "Open an authenticated session and keep it alive",
		Long: `Connect performs the mutual TLS handshake, prints the welcome line and then
sends each --message in turn. Without --message, lines read from stdin are sent
until EOF. The data port stays open for this machine while the session lasts.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Address = args[0]

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			conn, err := client.Dial(ctx, opts)
			if err != nil {
				return err
			}
			defer conn.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, conn.Welcome())

			if len(messages) == 0 {
				scanner := bufio.NewScanner(cmd.InOrStdin())
				for scanner.Scan() {
					if err := send(cmd, conn, scanner.Text()); err != nil {
						return err
					}
				}
				return scanner.Err()
			}

			for _, m := range messages {
				if err := send(cmd, conn, m); err != nil {
					return err
				}
			}

			if hold > 0 {
				select {
				case <-time.After(hold):
				case <-cmd.Context().Done():
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.CertFile, "cert", "", "Client certificate (PEM)")
	cmd.Flags().StringVar(&opts.KeyFile, "key", "", "Client private key (PEM)")
	cmd.Flags().StringVar(&opts.TrustAnchorFile, "trust-anchor", "", "Device certificate or CA to trust (PEM)")
	cmd.Flags().StringVar(&opts.ServerName, "server-name", "", "Expected device name in its certificate")
	cmd.Flags().StringSliceVar(&messages, "message", nil, "Message to send (repeatable)")
	cmd.Flags().DurationVar(&hold, "hold", 0, "Keep the session open this long after sending messages")
	_ = cmd.MarkFlagRequired("cert")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("trust-anchor")
	return cmd
}

func send(cmd *cobra.Command, conn *client.Conn, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	reply, err := conn.Send(text)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), reply)
	return nil
}
