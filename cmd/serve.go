package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/pockode/chatrelay/api"
	"github.com/pockode/chatrelay/auth"
	"github.com/pockode/chatrelay/config"
	"github.com/pockode/chatrelay/directory"
	"github.com/pockode/chatrelay/logger"
	"github.com/pockode/chatrelay/mcp"
	"github.com/pockode/chatrelay/presence"
	"github.com/pockode/chatrelay/registry"
	"github.com/pockode/chatrelay/relay"
	"github.com/pockode/chatrelay/store"
	"github.com/pockode/chatrelay/ws"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.Int("port", 8080, "listen port")
	flags.String("env", "production", "development or production")
	flags.String("store", string(store.KindFile), "message store: file, sqlite or postgres")
	flags.String("log-level", "info", "debug, info, warn or error")
	_ = v.BindPFlag(config.KeyPort, flags.Lookup("port"))
	_ = v.BindPFlag(config.KeyEnv, flags.Lookup("env"))
	_ = v.BindPFlag(config.KeyStore, flags.Lookup("store"))
	_ = v.BindPFlag(config.KeyLogLevel, flags.Lookup("log-level"))

	return cmd
}

func runServer(ctx context.Context, cfg *config.Config, out io.Writer) error {
	logger.Init(logger.Config{
		DataDir: cfg.DataDir,
		DevMode: cfg.IsDevelopment(),
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		File:    cfg.LogFile,
	})

	st, err := store.Open(ctx, cfg.StoreOptions())
	if err != nil {
		return err
	}
	defer st.Close()

	dir, err := directory.OpenFile(cfg.UsersFile)
	if err != nil {
		return err
	}
	if err := dir.StartWatching(); err != nil {
		slog.Warn("user directory will not reload on change", "file", cfg.UsersFile, "error", err)
	}
	defer dir.StopWatching()
	if dir.Len() == 0 {
		slog.Warn("no users configured, add one with `chatrelay users add`", "file", cfg.UsersFile)
	}

	var mirror presence.Mirror
	if cfg.RedisURL != "" {
		m, err := presence.NewRedisMirror(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect presence mirror: %w", err)
		}
		defer m.Close()
		mirror = m
	}

	reg := registry.New()
	pb := presence.New(reg, mirror)
	rl := relay.New(relay.Config{
		MaxBodyLength:  cfg.MaxBodyLength,
		PersistTimeout: cfg.PersistTimeout,
	}, st, reg)
	verifier := auth.NewDirectoryVerifier(dir)

	wsHandler := ws.NewRPCHandler(ws.Config{
		OutboxSize:     cfg.OutboxSize,
		DevMode:        cfg.IsDevelopment(),
		OriginPatterns: cfg.AllowedOrigins,
	}, verifier, pb, rl, dir)
	mcpServer := mcp.NewServer(mcp.NewLocalBackend(rl, pb, dir), "")

	router := api.NewRouter(api.RouterConfig{
		Verifier:       verifier,
		AllowedOrigins: cfg.AllowedOrigins,
		WebSocket:      wsHandler,
		MCP:            mcpServer.HTTPHandler(),
	}, api.NewHandler(st, rl, pb, dir))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	slog.Info("server starting", "port", cfg.Port, "store", cfg.Store, "users", dir.Len(), "env", cfg.Env)
	printConnectInfo(out, connectURL(lanAddress(), cfg.Port))

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("graceful shutdown incomplete", "error", err)
	}
	return nil
}

func connectURL(host string, port int) string {
	return fmt.Sprintf("ws://%s/ws", net.JoinHostPort(host, fmt.Sprint(port)))
}

// printConnectInfo shows the websocket URL, plus a QR code when out is a terminal.
func printConnectInfo(out io.Writer, url string) {
	fmt.Fprintf(out, "Relay listening at %s\n", url)
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		qrterminal.GenerateHalfBlock(url, qrterminal.L, out)
	}
}

// lanAddress returns the first non-loopback IPv4 address, or localhost.
func lanAddress() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "localhost"
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return "localhost"
}
