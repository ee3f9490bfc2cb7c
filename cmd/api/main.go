package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"quorum/api/internal/app"
	"quorum/api/internal/auth"
)

type cli struct {
	EnvFile []string `help:"Env files applied before reading the environment." default:".env" name:"env-file"`

	Serve     ServeCmd     `cmd:"" default:"1" help:"Run the HTTP API"`
	Migrate   MigrateCmd   `cmd:"" help:"Apply pending Postgres migrations"`
	Reconcile ReconcileCmd `cmd:"" help:"Retry pending referral deliveries and lift due postponements once"`
	Reindex   ReindexCmd   `cmd:"" help:"Rebuild the Meilisearch indexes from the store"`
	Token     TokenCmd     `cmd:"" help:"Issue a bearer token for local testing"`
}

type cliCtx struct {
	context.Context
	envFiles []string
}

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.UsageOnError(),
		kong.Name("quorum-api"),
		kong.Description("Committee meeting and motion API"),
	)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	err := kctx.Run(&cliCtx{Context: ctx, envFiles: c.EnvFile})
	kctx.FatalIfErrorf(err)
}

type ServeCmd struct {
	Addr string `help:"Listen address; overrides API_ADDR."`
}

func (c *ServeCmd) Run(ctx *cliCtx) error {
	rt, err := setup(ctx, ctx.envFiles, true)
	if err != nil {
		return err
	}
	defer rt.close()

	addr := rt.cfg.Addr
	if c.Addr != "" {
		addr = c.Addr
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           app.NewHTTPServer(rt.service, rt.registry).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// The event stream holds its response open, so no WriteTimeout.
		IdleTimeout: 60 * time.Second,
	}

	maintenanceDone := make(chan struct{})
	go func() {
		defer close(maintenanceDone)
		rt.service.RunMaintenance(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		rt.logger.Info("quorum api listening", "addr", addr, "store", rt.cfg.StoreDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	rt.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		rt.logger.Warn("shutdown error", "error", err)
	}
	<-maintenanceDone
	return nil
}

type MigrateCmd struct{}

func (c *MigrateCmd) Run(ctx *cliCtx) error {
	rt, err := setup(ctx, ctx.envFiles, false)
	if err != nil {
		return err
	}
	defer rt.close()
	if rt.sqlDB == nil {
		rt.logger.Info("bolt store needs no migrations")
		return nil
	}
	applied, err := migrate(ctx, rt)
	if err != nil {
		return err
	}
	fmt.Printf("Applied %d migration(s)\n", applied)
	return nil
}

type ReconcileCmd struct{}

func (c *ReconcileCmd) Run(ctx *cliCtx) error {
	rt, err := setup(ctx, ctx.envFiles, true)
	if err != nil {
		return err
	}
	defer rt.close()
	delivered, err := rt.service.ReconcileReferrals(ctx)
	if err != nil {
		return fmt.Errorf("reconcile referrals: %w", err)
	}
	lifted, err := rt.service.LiftDuePostponements(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("lift postponements: %w", err)
	}
	fmt.Printf("Delivered %d referral(s), lifted %d postponement(s)\n", delivered, lifted)
	return nil
}

type ReindexCmd struct{}

func (c *ReindexCmd) Run(ctx *cliCtx) error {
	rt, err := setup(ctx, ctx.envFiles, true)
	if err != nil {
		return err
	}
	defer rt.close()
	if rt.meili == nil {
		return errors.New("MEILI_URL is not set")
	}
	if err := rt.search.Reindex(ctx, rt.store); err != nil {
		return fmt.Errorf("reindex: %w", err)
	}
	fmt.Println("Reindexed motions and discussions")
	return nil
}

type TokenCmd struct {
	Username string        `arg:"" help:"Username the token identifies."`
	Subject  string        `help:"Subject claim; defaults to the username."`
	Name     string        `help:"Display name."`
	Email    string        `help:"Email address."`
	TTL      time.Duration `help:"Token lifetime; zero issues a token without expiry." default:"24h"`
}

func (c *TokenCmd) Run(ctx *cliCtx) error {
	cfg, err := loadConfig(ctx.envFiles)
	if err != nil {
		return err
	}
	subject := c.Subject
	if subject == "" {
		subject = c.Username
	}
	token, err := auth.IssueToken([]byte(cfg.JWTSecret), auth.Identity{
		Subject:  subject,
		Username: c.Username,
		Name:     c.Name,
		Email:    c.Email,
	}, c.TTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, token)
	return nil
}
