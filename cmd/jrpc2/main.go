// Command jrpc2 serves and calls JSON-RPC 2.0 over TCP, HTTP and child-process stdio.
//
//	jrpc2 serve [-c config.yaml]
//	jrpc2 stdio [-c config.yaml]
//	jrpc2 call  [-c config.yaml] [--notify] <method> [params-json]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/kazmanavt/jrpc2"
	"github.com/kazmanavt/jrpc2/internal/config"
	"github.com/kazmanavt/jrpc2/internal/logging"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: jrpc2 serve|stdio|call [-c config.yaml] [--notify] [method] [params-json]")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	cmd := os.Args[1]
	fs := pflag.NewFlagSet(cmd, pflag.ExitOnError)
	configPath := fs.StringP("config", "c", os.Getenv("JRPC2_CONFIG"), "path to config file")
	notify := fs.Bool("notify", false, "send a notification instead of a call")
	_ = fs.Parse(os.Args[2:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "serve":
		err = runServe(ctx, cfg, log)
	case "stdio":
		err = runStdio(ctx, cfg, log)
	case "call":
		err = runCall(ctx, cfg, log, fs.Args(), *notify)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Error("command failed", zap.String("command", cmd), zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func serverOptions(cfg *config.Config, log *zap.Logger) []jrpc2.Option {
	opts := []jrpc2.Option{
		jrpc2.WithMaxBodySize(cfg.Server.MaxBodySize),
		jrpc2.WithMaxLineSize(cfg.Server.MaxLineSize),
		jrpc2.WithBatchConcurrency(cfg.Server.BatchLimit),
		jrpc2.WithWriteTimeout(cfg.Server.WriteTimeout),
	}
	if cfg.Log.AccessLog {
		opts = append(opts, jrpc2.WithAccessLog(jrpc2.NewAccessLog(log.Named("access"), cfg.Log.AccessBodyLimit)))
	}
	return opts
}

func runServe(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	methods, err := demoMethods(log)
	if err != nil {
		return err
	}
	opts := serverOptions(cfg, log)

	srv, err := jrpc2.NewServer("tcp", cfg.Server.TCPAddr, methods, log, opts...)
	if err != nil {
		return fmt.Errorf("listen tcp: %w", err)
	}
	log.Info("tcp server listening", zap.Stringer("addr", srv.Addr()))

	mux := http.NewServeMux()
	mux.Handle(cfg.Server.HTTPPath, jrpc2.NewHTTPHandler(methods, log, opts...))
	hs := &http.Server{Addr: cfg.Server.HTTPAddr, Handler: mux}
	httpErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", cfg.Server.HTTPAddr), zap.String("path", cfg.Server.HTTPPath))
		httpErr <- hs.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		err = nil
	case err = <-httpErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	}
	log.Info("shutting down")
	err = multierr.Append(err, hs.Shutdown(context.Background()))
	return multierr.Append(err, srv.Close())
}

func runStdio(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	methods, err := demoMethods(log)
	if err != nil {
		return err
	}
	return jrpc2.ServeStdio(ctx, methods, log, serverOptions(cfg, log)...)
}

type caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Notify(ctx context.Context, method string, params any) error
}

func newCaller(cfg *config.Config, log *zap.Logger) (caller, func() error) {
	opts := []jrpc2.Option{
		jrpc2.WithDialTimeout(cfg.Client.DialTimeout),
		jrpc2.WithWriteTimeout(cfg.Client.WriteTimeout),
	}
	switch cfg.Client.Transport {
	case "http":
		return jrpc2.NewHTTPClient(cfg.Client.URL, log, opts...), func() error { return nil }
	case "process":
		p := cfg.Client.Process
		c := jrpc2.NewProcessClient(&jrpc2.ProcessDialer{Command: p.Command, Args: p.Args, Env: p.Environ(), Dir: p.Dir}, log, opts...)
		return c, c.Close
	default:
		c := jrpc2.NewClient("tcp", cfg.Client.TCPAddr, log, opts...)
		return c, c.Close
	}
}

func runCall(ctx context.Context, cfg *config.Config, log *zap.Logger, args []string, notify bool) (err error) {
	if len(args) == 0 {
		return errors.New("method name required")
	}
	method := args[0]
	params := jrpc2.NoParams
	if len(args) > 1 {
		params = jrpc2.RawParams(json.RawMessage(args[1]))
		if err := params.Err(); err != nil {
			return err
		}
	}

	c, closeFn := newCaller(cfg, log)
	defer func() { err = multierr.Append(err, closeFn()) }()

	if cfg.Client.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Client.CallTimeout)
		defer cancel()
	}

	if notify {
		return c.Notify(ctx, method, params)
	}
	res, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	out, err := formatResult(res)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
