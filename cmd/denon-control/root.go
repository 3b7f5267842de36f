package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/lurtz/denon-control/internal/bridges/denon"
	"github.com/lurtz/denon-control/internal/infrastructure/config"
	"github.com/lurtz/denon-control/internal/infrastructure/logging"
)

// settleDelay gives the receiver time to apply set commands before the
// connection is shut down.
const settleDelay = 200 * time.Millisecond

// options holds the parsed command-line flags.
type options struct {
	address   string
	status    bool
	power     string
	input     string
	volume    int
	maxVolume uint32
	timeout   time.Duration
	envFile   string
	logLevel  string
	logFormat string

	setPower  bool
	setInput  bool
	setVolume bool
}

// newRootCmd builds the CLI. Defaults come from the environment (and an
// optional .env file) so DENON_RECEIVER_ADDRESS can stand in for --address.
func newRootCmd() *cobra.Command {
	defaults := config.Default()
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "denon-control",
		Short:         "Control a Denon AV receiver over its telnet protocol",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadEnvFile(opts.envFile); err != nil {
				return err
			}
			env := config.FromEnv()
			if !cmd.Flags().Changed("address") {
				opts.address = env.Receiver.Address
			}
			if !cmd.Flags().Changed("max-volume") {
				opts.maxVolume = env.Receiver.MaxVolume
			}
			opts.setPower = cmd.Flags().Changed("power")
			opts.setInput = cmd.Flags().Changed("input")
			opts.setVolume = cmd.Flags().Changed("volume")
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.address, "address", "a", "", "receiver host[:port] (default port 23, env DENON_RECEIVER_ADDRESS)")
	flags.BoolVarP(&opts.status, "status", "s", false, "print the receiver status")
	flags.StringVarP(&opts.power, "power", "p", "", "set power: ON or STANDBY")
	flags.StringVarP(&opts.input, "input", "i", "", "select source input, e.g. DVD, TUNER, GAME")
	flags.IntVarP(&opts.volume, "volume", "v", 0, "set main volume (capped at --max-volume)")
	flags.Uint32Var(&opts.maxVolume, "max-volume", defaults.Receiver.MaxVolume, "upper bound for --volume, 0 disables the cap")
	flags.DurationVar(&opts.timeout, "timeout", defaults.Receiver.GetConnectTimeout(), "connect timeout")
	flags.StringVar(&opts.envFile, "env-file", ".env", "dotenv file with DENON_* settings")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	flags.StringVar(&opts.logFormat, "log-format", "text", "log format: text or json")

	return cmd
}

// run connects, applies the requested changes and prints the status.
// With no action flags it prints the status.
func run(ctx context.Context, opts *options, out, errOut io.Writer) error {
	if opts.address == "" {
		return errors.New("no receiver address: pass --address or set DENON_RECEIVER_ADDRESS")
	}

	changes, err := opts.changes()
	if err != nil {
		return err
	}

	log := logging.NewWithWriter(config.LoggingConfig{
		Level:  opts.logLevel,
		Format: opts.logFormat,
	}, version, errOut)

	address, err := denon.NormalizeAddress(opts.address)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "using receiver: %s\n", address)

	conn, err := denon.Connect(ctx, denon.Config{
		Address:        address,
		ConnectTimeout: opts.timeout,
	})
	if err != nil {
		return fmt.Errorf("connecting to receiver: %w", err)
	}
	conn.SetLogger(log.Component("denon"))
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			log.Warn("closing receiver connection", "error", closeErr)
		}
	}()

	for _, c := range changes {
		log.Debug("setting state", "key", c.key.String(), "value", c.value.String())
		if err := conn.Set(c.key, c.value); err != nil {
			return fmt.Errorf("setting %s: %w", c.key, err)
		}
	}

	if opts.status || len(changes) == 0 {
		return printStatus(ctx, conn, out)
	}

	select {
	case <-ctx.Done():
	case <-time.After(settleDelay):
	}
	return nil
}

type change struct {
	key   denon.StateKey
	value denon.StateValue
}

// changes converts the set flags to state values in the order power,
// input, volume so a receiver in standby is woken first.
func (o *options) changes() ([]change, error) {
	var out []change

	if o.setPower {
		v, err := denon.ParseValue(denon.KeyPower, o.power)
		if err != nil {
			return nil, err
		}
		out = append(out, change{denon.KeyPower, v})
	}
	if o.setInput {
		v, err := denon.ParseValue(denon.KeySourceInput, o.input)
		if err != nil {
			return nil, err
		}
		out = append(out, change{denon.KeySourceInput, v})
	}
	if o.setVolume {
		if o.volume < 0 {
			return nil, fmt.Errorf("%w: volume must not be negative, got %d", denon.ErrInvalidValue, o.volume)
		}
		v := denon.ClampVolume(denon.IntegerValue(uint32(o.volume)), o.maxVolume)
		out = append(out, change{denon.KeyMainVolume, v})
	}

	return out, nil
}

// printStatus queries all four keys and prints them in display order.
func printStatus(ctx context.Context, ctrl denon.Controller, out io.Writer) error {
	values := make([]denon.StateValue, len(denon.AllStateKeys))
	for i, key := range denon.AllStateKeys {
		v, err := ctrl.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", key, err)
		}
		values[i] = v
	}

	fmt.Fprint(out, formatStatus(values))
	return nil
}

// formatStatus renders values, ordered like denon.AllStateKeys.
func formatStatus(values []denon.StateValue) string {
	s := "Current status of receiver:\n"
	for i, key := range denon.AllStateKeys {
		s += fmt.Sprintf("\t%s(%s)\n", key, values[i])
	}
	return s
}
