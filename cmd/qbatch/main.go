package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/pitabwire/util"

	"github.com/pitabwire/qbatch"
	"github.com/pitabwire/qbatch/queue"
	"github.com/pitabwire/qbatch/version"
)

const minArgsPublish = 2

func main() {
	command := "run"
	args := os.Args[1:]
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	switch command {
	case "run":
		exitOnErr(cmdRun())
	case "publish":
		exitOnErr(cmdPublish(args))
	case "version":
		// #nosec G705 -- CLI output is not rendered in an HTML context.
		fmt.Fprintf(os.Stdout, "qbatch %s (%s %s)\n", version.Version, version.Commit, version.Date)
	case "help", "-h", "--help":
		usage()
	default:
		// #nosec G705 -- CLI output is not rendered in an HTML context.
		fmt.Fprintf(os.Stderr, "unknown command: %q\n", command)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stdout, "qbatch <command> [args]")
	fmt.Fprintln(os.Stdout, "")
	fmt.Fprintln(os.Stdout, "Commands:")
	fmt.Fprintln(os.Stdout, "  run                                 process batches from QBATCH_SOURCE (default)")
	fmt.Fprintln(os.Stdout, "  publish [--id ID] <queue-url> <body> publish one message to a pubsub queue")
	fmt.Fprintln(os.Stdout, "  version")
}

func cmdRun() error {
	ctx, svc := qbatch.NewService()
	defer svc.Stop(context.Background())

	return svc.Run(ctx)
}

func cmdPublish(args []string) error {
	fs := flag.NewFlagSet("publish", flag.ContinueOnError)
	id := fs.String("id", "", "message id stored in the message_id metadata")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < minArgsPublish {
		return errors.New("queue url and body are required")
	}

	ctx := context.Background()
	pub := queue.NewPublisher("cli", fs.Arg(0))
	if err := pub.Init(ctx); err != nil {
		return err
	}
	defer func() {
		if err := pub.Stop(ctx); err != nil {
			util.Log(ctx).WithError(err).Warn("could not stop publisher")
		}
	}()

	var headers map[string]string
	if *id != "" {
		headers = map[string]string{queue.MetadataMessageID: *id}
	}
	return pub.Publish(ctx, fs.Arg(1), headers)
}

func exitOnErr(err error) {
	if err == nil {
		return
	}
	_, _ = fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
