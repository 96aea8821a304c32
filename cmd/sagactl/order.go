package main

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"cartwheel/internal/saga"
	"cartwheel/internal/transport/rpc"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

// NewOrderCommand creates the order command group.
func NewOrderCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Manage orders and run checkout sagas",
	}
	cmd.AddCommand(
		newOrderCreateCommand(opts),
		newOrderLineCommand(opts, "add-item", "Add one unit of an item to an order"),
		newOrderLineCommand(opts, "remove-item", "Remove an item line from an order"),
		newOrderIDCommand(opts, "remove", "Delete an unpaid order", removeOrder),
		newOrderIDCommand(opts, "find", "Show an order and its total", findOrder),
		newOrderIDCommand(opts, "checkout", "Reserve stock, debit the user and mark the order paid", sagaAction((*rpc.OrderClient).Checkout, "checkout")),
		newOrderIDCommand(opts, "cancel", "Restock, refund and mark the order unpaid", sagaAction((*rpc.OrderClient).Cancel, "cancel")),
	)
	return cmd
}

func newOrderCreateCommand(opts *RootOptions) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "create --user <user-id>",
		Short: "Create an empty order for a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseID("user id", user)
			if err != nil {
				return err
			}
			return opts.withConn(cmd, func(ctx context.Context, conn *grpc.ClientConn) error {
				orderID, err := rpc.NewOrderClient(conn).CreateOrder(ctx, userID)
				if err != nil {
					return err
				}
				return opts.output(cmd).Print(map[string]uint64{"order_id": orderID}, fmt.Sprint(orderID))
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "owning user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newOrderLineCommand(opts *RootOptions, use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <order-id> <item-id>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID, err := parseID("order id", args[0])
			if err != nil {
				return err
			}
			itemID, err := parseID("item id", args[1])
			if err != nil {
				return err
			}
			return opts.withConn(cmd, func(ctx context.Context, conn *grpc.ClientConn) error {
				client := rpc.NewOrderClient(conn)
				if use == "remove-item" {
					if err := client.RemoveItem(ctx, orderID, itemID); err != nil {
						return err
					}
					return opts.output(cmd).Print(map[string]bool{"removed": true}, "removed")
				}
				line, err := client.AddItem(ctx, orderID, itemID)
				if err != nil {
					return err
				}
				return opts.output(cmd).Print(line, fmt.Sprintf("item %d x%d at %s", line.ItemID, line.Quantity, line.UnitPrice))
			})
		},
	}
}

type orderAction func(ctx context.Context, cmd *cobra.Command, opts *RootOptions, client *rpc.OrderClient, orderID uint64) error

func newOrderIDCommand(opts *RootOptions, use, short string, action orderAction) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <order-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID, err := parseID("order id", args[0])
			if err != nil {
				return err
			}
			return opts.withConn(cmd, func(ctx context.Context, conn *grpc.ClientConn) error {
				return action(ctx, cmd, opts, rpc.NewOrderClient(conn), orderID)
			})
		},
	}
}

func removeOrder(ctx context.Context, cmd *cobra.Command, opts *RootOptions, client *rpc.OrderClient, orderID uint64) error {
	if err := client.RemoveOrder(ctx, orderID); err != nil {
		return err
	}
	return opts.output(cmd).Print(map[string]bool{"removed": true}, "removed")
}

func findOrder(ctx context.Context, cmd *cobra.Command, opts *RootOptions, client *rpc.OrderClient, orderID uint64) error {
	view, err := client.FindOrder(ctx, orderID)
	if err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "order %d user %d paid=%t total=%s", view.OrderID, view.UserID, view.Paid, view.TotalCost)
	for _, itemID := range slices.Sorted(maps.Keys(view.Items)) {
		line := view.Items[itemID]
		fmt.Fprintf(&b, "\n  item %d x%d at %s", line.ItemID, line.Quantity, line.UnitPrice)
	}
	return opts.output(cmd).Print(view, b.String())
}

type resultView struct {
	TxID        string   `json:"tx_id,omitempty"`
	OrderID     uint64   `json:"order_id"`
	Outcome     string   `json:"outcome"`
	Status      string   `json:"status,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	ReasonCodes []string `json:"reason_codes,omitempty"`
}

// sagaAction prints the saga result. A rolled back saga exits with
// ExitFailure.
func sagaAction(run func(*rpc.OrderClient, context.Context, uint64) (saga.Result, error), name string) orderAction {
	return func(ctx context.Context, cmd *cobra.Command, opts *RootOptions, client *rpc.OrderClient, orderID uint64) error {
		res, err := run(client, ctx, orderID)
		if err != nil {
			return err
		}
		view := resultView{
			TxID:    res.TxID,
			OrderID: res.OrderID,
			Outcome: string(res.Outcome),
			Status:  string(res.Status),
		}
		text := fmt.Sprintf("%s %s: %s", name, res.TxID, res.Outcome)
		if res.Reason != nil {
			view.Reason = res.Reason.Error()
			view.ReasonCodes = rpc.ReasonCodes(res.Reason)
			text += " (" + view.Reason + ")"
		}
		if err := opts.output(cmd).Print(view, text); err != nil {
			return err
		}
		if !res.Committed() {
			return WrapExitError(ExitFailure, name+" rolled back", res.Reason)
		}
		return nil
	}
}
