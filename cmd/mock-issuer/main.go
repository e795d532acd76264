// ABOUTME: Entry point for mock-issuer, a local issuer, verifier and ledger for manual testing
// ABOUTME: Serves the mock endpoints over HTTP until interrupted

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/idenmobile/internal/mockserver"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("mock-issuer", pflag.ContinueOnError)
	addr := fs.String("addr", "127.0.0.1:8088", "listen address")
	approval := fs.Duration("approval-delay", 2*time.Second, "time a claim request stays pending")
	publish := fs.Duration("publish-delay", 2*time.Second, "time from approval until the issuer state is on chain")
	reject := fs.String("reject-marker", mockserver.DefaultRejectMarker, "reject requests whose data contains this")
	jsonLogs := fs.Bool("json", false, "log JSON records")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, nil)
	if *jsonLogs {
		handler = slog.NewJSONHandler(os.Stderr, nil)
	}
	logger := slog.New(handler)

	srv, err := mockserver.New(mockserver.Options{
		ApprovalDelay: *approval,
		PublishDelay:  *publish,
		RejectMarker:  *reject,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", *addr, err)
	}
	base := "http://" + ln.Addr().String()
	printConfig(base, srv.IssuerID())

	httpServer := &http.Server{
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.Serve(ln) }()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}

func printConfig(base, issuerID string) {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)

	cyan.Println("mock-issuer listening")
	gray.Printf("  issuer id: %s\n\n", issuerID)
	fmt.Println("# idenctl config.yaml")
	fmt.Printf("web3_url: %s\n", mockserver.Web3URL(base))
	fmt.Printf("issuer_url: %s\n", mockserver.IssuerURL(base))
	fmt.Printf("verifier_url: %s\n", mockserver.VerifierURL(base))
	fmt.Println("store_path: ${HOME}/.local/share/idenmobile")
	fmt.Println("tickets:")
	fmt.Println("  reconciliation_period: 1s")
}
