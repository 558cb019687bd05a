package main

import (
	"context"
	"net"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/outofforest/numbers"
	"github.com/outofforest/run"
)

func main() {
	run.New().Run(context.Background(), "broker", func(ctx context.Context) error {
		return runBroker(ctx, os.Args[1:])
	})
}

func runBroker(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("broker", pflag.ContinueOnError)
	listen := flags.String("listen", "localhost:1883", "address to listen on")
	maxMessageSize := flags.Uint64("max-message-size", 4096, "maximum size of the message")
	if err := flags.Parse(args); err != nil {
		return errors.WithStack(err)
	}

	ls, err := net.Listen("tcp", *listen)
	if err != nil {
		return errors.WithStack(err)
	}
	defer ls.Close()

	err = numbers.RunServer(ctx, ls, numbers.ServerConfig{
		MaxMessageSize: *maxMessageSize,
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}
