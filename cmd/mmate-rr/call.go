package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/glimte/mmate-reqreply/contracts"
	"github.com/glimte/mmate-reqreply/messaging"
	"github.com/spf13/cobra"
)

func newCallCommand(cfg *Config) *cobra.Command {
	var (
		headers  map[string]string
		asJSON   bool
		deadline time.Duration
	)

	cmd := &cobra.Command{
		Use:   "call <destination> <body...>",
		Short: "Send one request and print the reply",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			gwCfg, err := cfg.gatewayConfig(args[0])
			if err != nil {
				return err
			}

			rt, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			gw, err := rt.client.Gateway(ctx, gwCfg)
			if err != nil {
				return err
			}

			var callOpts []messaging.CallOption
			if len(headers) > 0 {
				callOpts = append(callOpts, messaging.WithCallHeaders(headers))
			}
			if deadline > 0 {
				callOpts = append(callOpts, messaging.WithCallTimeout(deadline))
			}

			reply, err := gw.Call(ctx, []byte(strings.Join(args[1:], " ")), callOpts...)
			if err != nil {
				return err
			}
			return printReply(reply, asJSON)
		},
	}

	cmd.Flags().StringToStringVarP(&headers, "header", "H", nil, "Request headers as name=value")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the whole reply envelope as JSON")
	cmd.Flags().DurationVar(&deadline, "call-timeout", 0, "Override the request timeout for this call")
	return cmd
}

func printReply(reply *contracts.Envelope, asJSON bool) error {
	if !asJSON {
		_, err := fmt.Fprintln(os.Stdout, reply.BodyString())
		return err
	}
	data, err := contracts.Encode(reply)
	if err != nil {
		return fmt.Errorf("failed to encode reply: %w", err)
	}
	_, err = fmt.Fprintln(os.Stdout, string(data))
	return err
}
