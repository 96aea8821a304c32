package main

import (
	"context"
	"fmt"

	"cartwheel/internal/transport/rpc"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

// NewPaymentCommand creates the payment command group.
func NewPaymentCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payment",
		Short: "Manage user credit",
	}

	createUser := &cobra.Command{
		Use:   "create-user",
		Short: "Create a user with zero credit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withConn(cmd, func(ctx context.Context, conn *grpc.ClientConn) error {
				userID, err := rpc.NewPaymentClient(conn).CreateUser(ctx)
				if err != nil {
					return err
				}
				return opts.output(cmd).Print(map[string]uint64{"user_id": userID}, fmt.Sprint(userID))
			})
		},
	}

	addFunds := &cobra.Command{
		Use:   "add-funds <user-id> <amount>",
		Short: "Credit a user's account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseID("user id", args[0])
			if err != nil {
				return err
			}
			amount, err := decimal.NewFromString(args[1])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid amount", err)
			}
			return opts.withConn(cmd, func(ctx context.Context, conn *grpc.ClientConn) error {
				client := rpc.NewPaymentClient(conn)
				if err := client.AddFunds(ctx, userID, amount); err != nil {
					return err
				}
				account, err := client.FindUser(ctx, userID)
				if err != nil {
					return err
				}
				return opts.output(cmd).Print(account, fmt.Sprintf("user %d credit %s", account.UserID, account.Credit))
			})
		},
	}

	findUser := &cobra.Command{
		Use:   "find <user-id>",
		Short: "Show a user's credit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseID("user id", args[0])
			if err != nil {
				return err
			}
			return opts.withConn(cmd, func(ctx context.Context, conn *grpc.ClientConn) error {
				account, err := rpc.NewPaymentClient(conn).FindUser(ctx, userID)
				if err != nil {
					return err
				}
				return opts.output(cmd).Print(account, fmt.Sprintf("user %d credit %s", account.UserID, account.Credit))
			})
		},
	}

	status := &cobra.Command{
		Use:   "status <order-id>",
		Short: "Report whether an order is paid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID, err := parseID("order id", args[0])
			if err != nil {
				return err
			}
			return opts.withConn(cmd, func(ctx context.Context, conn *grpc.ClientConn) error {
				paid, err := rpc.NewPaymentClient(conn).PaymentStatus(ctx, orderID)
				if err != nil {
					return err
				}
				return opts.output(cmd).Print(map[string]bool{"paid": paid}, fmt.Sprintf("paid=%t", paid))
			})
		},
	}

	cmd.AddCommand(createUser, addFunds, findUser, status)
	return cmd
}
