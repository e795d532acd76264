// ABOUTME: idenctl subcommands built on the core API
// ABOUTME: Each command parses its own flags, opens the identity, acts and stops it again

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/idenmobile/internal/config"
	"github.com/2389/idenmobile/internal/coreapi"
	"github.com/2389/idenmobile/internal/events"
	"github.com/2389/idenmobile/internal/identity"
	"github.com/2389/idenmobile/internal/store"
)

type globalFlags struct {
	fs     *pflag.FlagSet
	config string
	alias  string
}

func newFlags(name string) *globalFlags {
	g := &globalFlags{fs: pflag.NewFlagSet(name, pflag.ContinueOnError)}
	g.fs.StringVarP(&g.config, "config", "c", getConfigPath(), "config file (YAML or TOML)")
	g.fs.StringVarP(&g.alias, "alias", "a", "", "identity alias")
	return g
}

func (g *globalFlags) parse(args []string, positional int) error {
	if err := g.fs.Parse(args); err != nil {
		return err
	}
	if g.alias == "" {
		return errors.New("--alias is required")
	}
	if g.fs.NArg() != positional {
		return fmt.Errorf("expected %d argument(s), got %d", positional, g.fs.NArg())
	}
	return nil
}

// session is an initialized API with one live identity.
type session struct {
	api    *coreapi.API
	id     *identity.Identity
	logger *slog.Logger
}

func (s *session) close() {
	if err := s.api.Close(); err != nil {
		s.logger.Warn("stopping identity", "error", err)
	}
}

func openSession(ctx context.Context, g *globalFlags, create bool, listener events.Listener) (*session, error) {
	cfg, err := config.Load(g.config)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	api, err := coreapi.Initialize(*cfg, coreapi.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	pw, err := readPassword(create)
	if err != nil {
		return nil, err
	}

	var id *identity.Identity
	if create {
		id, err = api.CreateIdentity(ctx, g.alias, pw, listener)
	} else {
		id, err = api.LoadIdentity(ctx, g.alias, pw, listener)
	}
	if err != nil {
		return nil, err
	}
	return &session{api: api, id: id, logger: logger}, nil
}

func runCreate(ctx context.Context, args []string) error {
	g := newFlags("create")
	if err := g.parse(args, 0); err != nil {
		return err
	}
	s, err := openSession(ctx, g, true, nil)
	if err != nil {
		return err
	}
	defer s.close()

	color.Green("Created identity %s\n", s.id.Alias())
	printIdentity(s.id)
	return nil
}

func runInfo(ctx context.Context, args []string) error {
	g := newFlags("info")
	if err := g.parse(args, 0); err != nil {
		return err
	}
	s, err := openSession(ctx, g, false, nil)
	if err != nil {
		return err
	}
	defer s.close()

	printIdentity(s.id)
	return nil
}

func printIdentity(id *identity.Identity) {
	cyan := color.New(color.FgCyan)
	cyan.Print("  id:         ")
	fmt.Println(id.ID())
	cyan.Print("  directory:  ")
	fmt.Println(id.Dir())
	cyan.Print("  public key: ")
	fmt.Println(id.PublicKey())
}

func runRequest(ctx context.Context, args []string) error {
	g := newFlags("request")
	noWait := g.fs.Bool("no-wait", false, "return after registering the ticket")
	if err := g.parse(args, 1); err != nil {
		return err
	}
	s, err := openSession(ctx, g, false, nil)
	if err != nil {
		return err
	}
	defer s.close()

	data := g.fs.Arg(0)
	if *noWait {
		t, err := s.api.RequestClaim(ctx, s.id, data)
		if err != nil {
			return err
		}
		fmt.Printf("ticket %s pending\n", t.ID)
		return nil
	}

	done := make(chan error, 1)
	t, err := s.api.RequestClaimWithCallback(ctx, s.id, data, func(_ *store.Ticket, err error) {
		done <- err
	})
	if err != nil {
		return err
	}
	fmt.Printf("ticket %s pending, waiting for the issuer\n", t.ID)

	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		fmt.Printf("interrupted; ticket %s resumes on next load\n", t.ID)
		return nil
	}
	printTicketEvent(ctx, s, t.ID)
	return nil
}

func runProve(ctx context.Context, args []string) error {
	g := newFlags("prove")
	zk := g.fs.Bool("zk", false, "disclose only the claim value")
	async := g.fs.Bool("async", false, "run the proof as a ticket")
	if err := g.parse(args, 1); err != nil {
		return err
	}
	s, err := openSession(ctx, g, false, nil)
	if err != nil {
		return err
	}
	defer s.close()

	credID := g.fs.Arg(0)
	var ok bool
	if *async {
		ok, err = proveAsync(ctx, s, credID, *zk)
	} else if *zk {
		ok, err = s.api.ProveClaimZK(ctx, s.id, credID)
	} else {
		ok, err = s.api.ProveClaim(ctx, s.id, credID)
	}
	if err != nil {
		return err
	}
	if ok {
		color.Green("verified\n")
	}
	return nil
}

func proveAsync(ctx context.Context, s *session, credID string, zk bool) (bool, error) {
	type verdict struct {
		ok  bool
		err error
	}
	done := make(chan verdict, 1)
	cb := func(ok bool, err error) { done <- verdict{ok, err} }

	var t *store.Ticket
	var err error
	if zk {
		t, err = s.api.ProveClaimWithCallbackZK(ctx, s.id, credID, cb)
	} else {
		t, err = s.api.ProveClaimWithCallback(ctx, s.id, credID, cb)
	}
	if err != nil {
		return false, err
	}
	fmt.Printf("ticket %s pending\n", t.ID)

	select {
	case v := <-done:
		return v.ok, v.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func runClaims(ctx context.Context, args []string) error {
	g := newFlags("claims")
	if err := g.parse(args, 0); err != nil {
		return err
	}
	s, err := openSession(ctx, g, false, nil)
	if err != nil {
		return err
	}
	defer s.close()

	for _, c := range s.api.ListClaims(ctx, s.id) {
		fmt.Printf("%s  %s  %s\n", c.DBKey, c.UpdatedAt.Format("2006-01-02 15:04:05"), c.Claim.Value)
	}
	return nil
}

func runCredentials(ctx context.Context, args []string) error {
	g := newFlags("credentials")
	if err := g.parse(args, 0); err != nil {
		return err
	}
	s, err := openSession(ctx, g, false, nil)
	if err != nil {
		return err
	}
	defer s.close()

	for _, c := range s.api.ListCredentials(ctx, s.id) {
		fmt.Printf("%s  block %d  %s\n", c.DBKey, c.Credential.IdenStateData.BlockN, c.Credential.Claim.Value)
	}
	return nil
}

func runTickets(ctx context.Context, args []string) error {
	g := newFlags("tickets")
	if err := g.parse(args, 0); err != nil {
		return err
	}
	s, err := openSession(ctx, g, false, nil)
	if err != nil {
		return err
	}
	defer s.close()

	for _, t := range s.api.ListTickets(ctx, s.id) {
		fmt.Printf("%s  %-14s  %s", t.ID, t.Type, statusString(t.Status))
		if t.Err != "" {
			fmt.Printf("  %s", t.Err)
		}
		fmt.Println()
	}
	return nil
}

func statusString(st store.TicketStatus) string {
	switch st {
	case store.StatusDone:
		return color.GreenString("%-9s", st)
	case store.StatusFailed:
		return color.RedString("%-9s", st)
	case store.StatusPending:
		return color.YellowString("%-9s", st)
	default:
		return color.HiBlackString("%-9s", st)
	}
}

func runEvents(ctx context.Context, args []string) error {
	g := newFlags("events")
	if err := g.parse(args, 0); err != nil {
		return err
	}
	s, err := openSession(ctx, g, false, nil)
	if err != nil {
		return err
	}
	defer s.close()

	for _, ev := range s.api.ListEvents(ctx, s.id) {
		printEvent(ev)
	}
	return nil
}

func printTicketEvent(ctx context.Context, s *session, ticketID string) {
	for _, ev := range s.api.ListEvents(ctx, s.id) {
		if ev.TicketID == ticketID {
			printEvent(ev)
		}
	}
}

func printEvent(ev *store.Event) {
	fmt.Printf("%d  %s  %s  ", ev.Seq, ev.CreatedAt.Format("2006-01-02 15:04:05"), ev.TicketID)
	if ev.Err != "" {
		color.Red("%s\n", ev.Err)
		return
	}
	fmt.Println(string(ev.Data))
}

func runCancel(ctx context.Context, args []string) error {
	g := newFlags("cancel")
	if err := g.parse(args, 1); err != nil {
		return err
	}
	s, err := openSession(ctx, g, false, nil)
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.api.CancelEvent(ctx, s.id, g.fs.Arg(0)); err != nil {
		return err
	}
	color.Green("cancelled %s\n", g.fs.Arg(0))
	return nil
}
