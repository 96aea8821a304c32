package main

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"cartwheel/internal/txctx"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// DialFunc opens a client connection to addr.
type DialFunc func(addr string) (*grpc.ClientConn, error)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Addr    string
	Format  string // "json" | "text"
	Timeout time.Duration

	dial DialFunc
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command. dial may be nil to use plain
// insecure gRPC.
func NewRootCommand(dial DialFunc) *cobra.Command {
	if dial == nil {
		dial = defaultDial
	}
	opts := &RootOptions{dial: dial}

	cmd := &cobra.Command{
		Use:   "sagactl",
		Short: "sagactl - cartwheel checkout control",
		Long:  "Manage users, items and orders and run checkout sagas against a cartwheel server.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Addr, "addr", "localhost:50051", "server gRPC address")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "per-command deadline")

	cmd.AddCommand(NewOrderCommand(opts))
	cmd.AddCommand(NewStockCommand(opts))
	cmd.AddCommand(NewPaymentCommand(opts))
	cmd.AddCommand(NewIDCommand(opts))

	return cmd
}

func defaultDial(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(txctx.UnaryClientInterceptor()),
	)
}

// withConn dials the server and runs fn under the command deadline.
func (o *RootOptions) withConn(cmd *cobra.Command, fn func(ctx context.Context, conn *grpc.ClientConn) error) error {
	conn, err := o.dial(o.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "dial "+o.Addr, err)
	}
	defer conn.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if o.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}
	return fn(ctx, conn)
}

func (o *RootOptions) output(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}

func parseID(name, raw string) (uint64, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, WrapExitError(ExitCommandError, "invalid "+name, err)
	}
	return id, nil
}
