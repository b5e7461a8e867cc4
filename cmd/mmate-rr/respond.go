package main

import (
	"fmt"
	"time"

	"github.com/glimte/mmate-reqreply/contracts"
	"github.com/glimte/mmate-reqreply/interceptors"
	"github.com/glimte/mmate-reqreply/messaging"
	"github.com/spf13/cobra"
)

type respondOptions struct {
	prefix      string
	concurrency int
	selector    string
	deadEnd     bool
	forwardTo   string
	relayTo     string
	propagate   []string
	maxHandle   time.Duration
}

func newRespondCommand(cfg *Config) *cobra.Command {
	var opts respondOptions

	cmd := &cobra.Command{
		Use:   "respond <destination>",
		Short: "Answer requests until interrupted",
		Long: `Consume requests from a destination and answer them.

By default "Hello World-7" is answered with "<prefix>-7". --dead-end consumes
without answering, --forward-to hands requests to the next stage unchanged and
--relay-to calls the next stage and answers with its reply.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRespond(cfg, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.prefix, "prefix", "Re: Hello World", "Reply prefix")
	cmd.Flags().IntVarP(&opts.concurrency, "concurrency", "c", 1, "Request workers")
	cmd.Flags().StringVar(&opts.selector, "selector", "", "Only consume requests matching name='value'")
	cmd.Flags().BoolVar(&opts.deadEnd, "dead-end", false, "Consume requests without replying")
	cmd.Flags().StringVar(&opts.forwardTo, "forward-to", "", "Forward requests to this destination")
	cmd.Flags().StringVar(&opts.relayTo, "relay-to", "", "Relay requests through a gateway to this destination")
	cmd.Flags().StringSliceVar(&opts.propagate, "propagate", nil, "Headers copied from request to reply")
	cmd.Flags().DurationVar(&opts.maxHandle, "handle-timeout", 0, "Give up on a request after this long")
	cmd.MarkFlagsMutuallyExclusive("dead-end", "forward-to", "relay-to")

	return cmd
}

func runRespond(cfg *Config, destination string, opts respondOptions) error {
	selector, err := contracts.ParseSelector(opts.selector)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	rt, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	behavior := messaging.ReplyWithSuffix(opts.prefix)
	switch {
	case opts.deadEnd:
		behavior = messaging.DeadEnd()
	case opts.forwardTo != "":
		behavior = messaging.Forward(opts.forwardTo)
	case opts.relayTo != "":
		gwCfg, err := cfg.gatewayConfig(opts.relayTo)
		if err != nil {
			return err
		}
		gw, err := rt.client.Gateway(ctx, gwCfg)
		if err != nil {
			return fmt.Errorf("failed to create relay gateway: %w", err)
		}
		behavior = messaging.Relay(gw)
	}

	chain := interceptors.NewChain(rt.logger).
		Add(interceptors.NewRecoveryInterceptor(rt.logger)).
		Add(interceptors.NewLoggingInterceptor(rt.logger))
	if opts.maxHandle > 0 {
		chain.Add(interceptors.NewTimeoutInterceptor(opts.maxHandle))
	}

	r, err := rt.client.Responder(ctx, messaging.ResponderConfig{
		Destination:      destination,
		Selector:         selector,
		Concurrency:      opts.concurrency,
		Behavior:         behavior,
		PropagateHeaders: opts.propagate,
	}, messaging.WithInterceptors(chain))
	if err != nil {
		return err
	}

	rt.logger.Info("responding", "destination", destination, "behavior", behavior.Kind.String(), "selector", selector.String())
	<-ctx.Done()
	rt.logger.Info("stopping", "handled", r.Handled())
	return nil
}
