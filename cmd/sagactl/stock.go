package main

import (
	"context"
	"fmt"
	"strconv"

	"cartwheel/internal/transport/rpc"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

// NewStockCommand creates the stock command group.
func NewStockCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stock",
		Short: "Manage catalog items and their stock",
	}
	cmd.AddCommand(newStockCreateCommand(opts), newStockAddCommand(opts), newStockFindCommand(opts))
	return cmd
}

func newStockCreateCommand(opts *RootOptions) *cobra.Command {
	var price string
	cmd := &cobra.Command{
		Use:   "create --price <price>",
		Short: "Create an item with zero stock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := decimal.NewFromString(price)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid price", err)
			}
			return opts.withConn(cmd, func(ctx context.Context, conn *grpc.ClientConn) error {
				itemID, err := rpc.NewStockClient(conn).CreateItem(ctx, p)
				if err != nil {
					return err
				}
				return opts.output(cmd).Print(map[string]uint64{"item_id": itemID}, fmt.Sprint(itemID))
			})
		},
	}
	cmd.Flags().StringVar(&price, "price", "", "unit price")
	_ = cmd.MarkFlagRequired("price")
	return cmd
}

func newStockAddCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "add <item-id> <quantity>",
		Short: "Add stock to an item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			itemID, err := parseID("item id", args[0])
			if err != nil {
				return err
			}
			qty, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid quantity", err)
			}
			return opts.withConn(cmd, func(ctx context.Context, conn *grpc.ClientConn) error {
				client := rpc.NewStockClient(conn)
				if err := client.AddStock(ctx, itemID, qty); err != nil {
					return err
				}
				item, err := client.FindItem(ctx, itemID)
				if err != nil {
					return err
				}
				return opts.output(cmd).Print(item, fmt.Sprintf("item %d stock %d", item.ItemID, item.Amount))
			})
		},
	}
}

func newStockFindCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "find <item-id>",
		Short: "Show an item's price and stock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			itemID, err := parseID("item id", args[0])
			if err != nil {
				return err
			}
			return opts.withConn(cmd, func(ctx context.Context, conn *grpc.ClientConn) error {
				item, err := rpc.NewStockClient(conn).FindItem(ctx, itemID)
				if err != nil {
					return err
				}
				return opts.output(cmd).Print(item, fmt.Sprintf("item %d price %s stock %d", item.ItemID, item.Price, item.Amount))
			})
		},
	}
}
