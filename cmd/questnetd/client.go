package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/questnet/internal/grpcserver"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	flagClientAddr    = "addr"
	flagClientTimeout = "timeout"
)

type clientCall func(ctx context.Context, client *grpcserver.Client, args []string) (*structpb.Struct, error)

func newClientCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Call a running questnetd over gRPC",
	}
	cmd.PersistentFlags().String(flagClientAddr, "localhost:7000", "questnetd gRPC address")
	cmd.PersistentFlags().Duration(flagClientTimeout, 15*time.Second, "call timeout")

	cmd.AddCommand(
		newClientSubcommand("account <user-id>", "Show an account", cobra.ExactArgs(1), func(ctx context.Context, client *grpcserver.Client, args []string) (*structpb.Struct, error) {
			return client.GetAccount(ctx, args[0])
		}),
		newClientSubcommand("convert <user-id> <points>", "Convert points into wallet balance", cobra.ExactArgs(2), func(ctx context.Context, client *grpcserver.Client, args []string) (*structpb.Struct, error) {
			points, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("points must be an integer: %w", err)
			}
			return client.Convert(ctx, args[0], points)
		}),
		newClientSubcommand("withdraw <user-id> [yape|plin]", "Withdraw the full wallet balance", cobra.RangeArgs(1, 2), func(ctx context.Context, client *grpcserver.Client, args []string) (*structpb.Struct, error) {
			destination := ""
			if len(args) > 1 {
				destination = args[1]
			}
			return client.RequestWithdrawal(ctx, args[0], destination)
		}),
		newClientSubcommand("credit <user-id> <points> <provider> <transaction-id>", "Credit an external reward", cobra.ExactArgs(4), func(ctx context.Context, client *grpcserver.Client, args []string) (*structpb.Struct, error) {
			points, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("points must be an integer: %w", err)
			}
			return client.CreditReward(ctx, args[0], points, args[2], args[3], nil)
		}),
	)
	return cmd
}

func newClientSubcommand(use string, short string, validateArgs cobra.PositionalArgs, call clientCall) *cobra.Command {
	return &cobra.Command{
		Use:          use,
		Short:        short,
		Args:         validateArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := newSettings(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), settings.GetDuration(flagClientTimeout))
			defer cancel()

			conn, err := grpc.NewClient(settings.GetString(flagClientAddr), grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return fmt.Errorf("connect ledger: %w", err)
			}
			defer conn.Close()
			conn.Connect()
			if err := grpcserver.WaitForReady(ctx, conn); err != nil {
				return fmt.Errorf("connect ledger: %w", err)
			}

			response, err := call(ctx, grpcserver.NewClient(conn), args)
			if err != nil {
				return err
			}
			encoded, err := protojson.MarshalOptions{Multiline: true}.Marshal(response)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
			return err
		},
	}
}
