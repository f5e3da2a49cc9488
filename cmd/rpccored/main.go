package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mgreaves/rpccore/core"
	"github.com/mgreaves/rpccore/healthsvc"
	"github.com/mgreaves/rpccore/transport/inmem"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "rpccored serve: %v\n", err)
			os.Exit(1)
		}
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "rpccored: unknown command %q\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: rpccored <command> [flags]

Commands:
  serve   Run a demo server over the in-memory transport

Run 'rpccored <command> --help' for command-specific flags.
`)
}

// runServe builds a Server over the in-memory transport, matches one
// demo call against one registered-call request to show the pairing
// working end to end, then waits for SIGINT/SIGTERM and drives the
// server through ShutdownAndNotify/Destroy.
func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	maxRequestedCalls := fs.Int("max-requested-calls", core.DefaultMaxRequestedCalls, "size of the request-slot pool")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := core.NewServer(*maxRequestedCalls, nil)
	echo := srv.RegisterMethod("/demo.Echo/Call", "")
	if echo == nil {
		return fmt.Errorf("failed to register /demo.Echo/Call")
	}

	cq := core.NewCompletionQueue()
	srv.RegisterCompletionQueue(cq)
	srv.AddListener(&inmem.Listener{})

	if err := srv.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	health := healthsvc.New(srv, "", "demo.Echo")
	health.Watch(ctx, time.Second)
	defer health.Stop()

	var call *core.Call
	var deadline time.Time
	var md core.Metadata
	if err := srv.RequestRegisteredCall(echo, &call, &deadline, &md, nil, cq, cq, "demo-request"); err != nil {
		return fmt.Errorf("request registered call: %w", err)
	}

	conn := srv.SetupTransport(&inmem.Transport{})
	stream := inmem.NewStream([]byte("hello"))
	c := conn.AcceptStream(stream, func(bool) {})
	c.ServerOnRecv(true, core.StreamOpen, core.Metadata{
		":path":      {"/demo.Echo/Call"},
		":authority": {"localhost"},
	})

	matched, err := cq.Next(ctx)
	if err != nil {
		return fmt.Errorf("completion queue: %w", err)
	}
	fmt.Printf("matched call: tag=%v success=%v path=%s host=%s\n", matched.Tag, matched.Success, c.Path(), c.Host())

	fmt.Println("rpccored: serving, press Ctrl+C to shut down")
	<-ctx.Done()

	fmt.Println("rpccored: shutting down")
	const shutdownTag = "shutdown"
	srv.ShutdownAndNotify(cq, shutdownTag)
	// The in-memory transport does not drop a connection on GOAWAY alone;
	// drop it here so the shutdown can publish.
	conn.NotifyConnectivityStateChange(core.ConnectivityFatalFailure)
	for {
		ev, err := cq.Next(context.Background())
		if err != nil {
			break
		}
		if ev.Tag == shutdownTag {
			break
		}
	}
	srv.Destroy()
	return nil
}
