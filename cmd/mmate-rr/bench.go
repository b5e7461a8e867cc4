package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/glimte/mmate-reqreply/messaging"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type benchOptions struct {
	tasks    int
	calls    int
	prefix   string
	failFast bool
}

// benchResult counts call outcomes across tasks
type benchResult struct {
	mu       sync.Mutex
	outcomes map[messaging.CallOutcome]int
	wrong    int
	elapsed  time.Duration
}

func (r *benchResult) record(outcome messaging.CallOutcome, correct bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[outcome]++
	if outcome == messaging.OutcomeFulfilled && !correct {
		r.wrong++
	}
}

func (r *benchResult) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.outcomes {
		n += c
	}
	return n
}

func newBenchCommand(cfg *Config) *cobra.Command {
	var opts benchOptions

	cmd := &cobra.Command{
		Use:   "bench <destination>",
		Short: "Run concurrent callers and check every reply",
		Long: `Run --tasks concurrent callers, each making --calls sequential calls with
bodies "Hello World-<n>". Each reply must be "<prefix>-<n>", which is what
"mmate-rr respond" answers by default.`,
		Args: cobra.ExactArgs(1),
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

			res, err := runBench(ctx, gw, opts)
			printBench(res, gw)
			return err
		},
	}

	cmd.Flags().IntVar(&opts.tasks, "tasks", 100, "Concurrent callers")
	cmd.Flags().IntVar(&opts.calls, "calls", 10, "Sequential calls per caller")
	cmd.Flags().StringVar(&opts.prefix, "prefix", "Re: Hello World", "Expected reply prefix")
	cmd.Flags().BoolVar(&opts.failFast, "fail-fast", false, "Stop at the first failed or mismatched call")
	return cmd
}

// caller is the part of a gateway the bench drives
type caller interface {
	CallString(ctx context.Context, body string, opts ...messaging.CallOption) (string, error)
}

func runBench(ctx context.Context, gw caller, opts benchOptions) (*benchResult, error) {
	res := &benchResult{outcomes: make(map[messaging.CallOutcome]int)}
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	for task := 0; task < opts.tasks; task++ {
		g.Go(func() error {
			for call := 0; call < opts.calls; call++ {
				n := task*opts.calls + call
				reply, err := gw.CallString(ctx, fmt.Sprintf("Hello World-%d", n))
				want := fmt.Sprintf("%s-%d", opts.prefix, n)
				res.record(messaging.OutcomeOf(err), reply == want)

				if !opts.failFast {
					continue
				}
				if err != nil {
					return fmt.Errorf("call %d: %w", n, err)
				}
				if reply != want {
					return fmt.Errorf("call %d: got %q, want %q", n, reply, want)
				}
			}
			return nil
		})
	}

	err := g.Wait()
	res.elapsed = time.Since(start)
	if err == nil && res.wrong > 0 {
		err = fmt.Errorf("%d replies did not match their request", res.wrong)
	}
	return res, err
}

func printBench(res *benchResult, gw *messaging.Gateway) {
	total := res.total()
	rate := float64(total) / res.elapsed.Seconds()

	fmt.Fprintf(os.Stdout, "%d calls in %v (%.0f calls/s), %d still pending\n", total, res.elapsed.Round(time.Millisecond), rate, gw.Pending())
	for _, outcome := range []messaging.CallOutcome{
		messaging.OutcomeFulfilled,
		messaging.OutcomeTimedOut,
		messaging.OutcomeCancelled,
		messaging.OutcomeSendFailed,
		messaging.OutcomeDuplicateKey,
	} {
		if n := res.outcomes[outcome]; n > 0 {
			fmt.Fprintf(os.Stdout, "  %-12s %d\n", outcome, n)
		}
	}
	if res.wrong > 0 {
		fmt.Fprintf(os.Stdout, "  %-12s %d\n", "mismatched", res.wrong)
	}
}
