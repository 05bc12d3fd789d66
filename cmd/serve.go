package cmd

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

	"github.com/spf13/cobra"

	"github.com/tinkerbelle-io/tb-terminal/internal/bridge"
	"github.com/tinkerbelle-io/tb-terminal/internal/signing"
)

var (
	flagServeAddr        string
	flagServeToken       string
	flagServeMaxSessions int
	flagServeIdleTimeout time.Duration
	flagAllowRemote      bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve supervised terminal sessions over WebSocket",
	Long: `Run the engine as a long-lived service. A UI client connects over
WebSocket at /ws and opens supervised process sessions with session.open,
then drives them with pty.input, pty.resize, session.signal and
session.close.

The listener is restricted to loopback unless --allow-remote is given,
and remote listeners require a token.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagServeAddr, "addr", "", "Listen address (default from config, 127.0.0.1:7681)")
	serveCmd.Flags().StringVar(&flagServeToken, "token", "", "Client token (env: TB_SERVE_TOKEN)")
	serveCmd.Flags().IntVar(&flagServeMaxSessions, "max-sessions", 0, "Maximum concurrent sessions per client")
	serveCmd.Flags().DurationVar(&flagServeIdleTimeout, "idle-timeout", 0, "Terminal session idle timeout")
	serveCmd.Flags().BoolVar(&flagAllowRemote, "allow-remote", false, "Allow listening on non-loopback addresses")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	e, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	sc := e.Config.Serve
	if flagServeAddr != "" {
		sc.Addr = flagServeAddr
	}
	if flagServeToken != "" {
		sc.Token = flagServeToken
	}
	if flagServeMaxSessions > 0 {
		sc.MaxSessions = flagServeMaxSessions
	}
	if flagServeIdleTimeout > 0 {
		sc.IdleTimeout = flagServeIdleTimeout
	}
	if err := validateListenAddr(sc.Addr, sc.Token, flagAllowRemote); err != nil {
		return err
	}

	var verifier *signing.Verifier
	if sc.SigningKey != "" {
		key, err := signing.ParsePublicKey(sc.SigningKey)
		if err != nil {
			return fmt.Errorf("serve.signing_key: %w", err)
		}
		verifier = signing.NewVerifier(key, 0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go e.Run(ctx)

	srv := bridge.New(bridge.Config{
		Token:          sc.Token,
		Permissions:    []string{"terminal"},
		MaxSessions:    sc.MaxSessions,
		IdleTimeout:    sc.IdleTimeout,
		AllowedOrigins: sc.AllowedOrigins,
		Verifier:       verifier,
	}, e.Processes)
	defer srv.Close()

	mux := http.NewServeMux()
	mux.Handle("/ws", srv)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	httpSrv := &http.Server{
		Addr:              sc.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()
	slog.Info("serving terminal sessions", "addr", sc.Addr, "token", maskToken(sc.Token), "signed_open", verifier != nil, "version", rootCmd.Version)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen %s: %w", sc.Addr, err)
		}
	case <-ctx.Done():
	}
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// validateListenAddr keeps the service on loopback unless remote access
// is explicitly allowed, and requires a token for remote listeners.
func validateListenAddr(addr, token string, allowRemote bool) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	if !allowRemote {
		return fmt.Errorf("refusing to listen on non-loopback address %q (use --allow-remote)", addr)
	}
	if token == "" {
		return fmt.Errorf("a token is required to listen on %q", addr)
	}
	return nil
}
