package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gonzalop/ftpd/auth"
	"github.com/gonzalop/ftpd/config"
	"github.com/gonzalop/ftpd/metrics"
	"github.com/gonzalop/ftpd/server"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "ftpd",
		Short:         "Single-threaded FTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand(), newHashPasswordCommand())
	return root
}

func newServeCommand() *cobra.Command {
	opt := config.Default()
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve files over FTP",
		Long: `ftpd serve runs an FTP server with LIST and RETR support over
active (PORT) and passive (PASV, EPSV) data connections.

Use --addr to specify which IP address and port the server should
listen on, eg --addr 1.2.3.4:2121 or --addr :2121 to listen to all
IPs. By default it only listens on localhost.

Settings can also be read from a YAML file with --config; flags given
on the command line override the file. Users are only configurable in
the file, as a map from name to bcrypt hash (see "ftpd hash-password").`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configFile != "" {
				loaded := config.Default()
				if err := config.Load(configFile, &loaded); err != nil {
					return err
				}
				if err := config.ApplyChanged(cmd.Flags(), &loaded); err != nil {
					return err
				}
				opt = loaded
			}
			if err := opt.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, &opt, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "YAML config file")
	config.AddFlags(cmd.Flags(), &opt)
	return cmd
}

func newHashPasswordCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print the bcrypt hash of a password for the users table",
		Long: `Print the bcrypt hash of a password. The password is read from
standard input when not given as an argument.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) == 1 {
				password = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return err
				}
				password = strings.TrimRight(line, "\r\n")
			}
			if password == "" {
				return errors.New("empty password")
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	}
}

// run starts the FTP server and, if configured, the metrics endpoint, and
// stops both when ctx is done or either fails.
func run(ctx context.Context, opt *config.Options, logOut io.Writer) error {
	logger, err := newLogger(opt, logOut)
	if err != nil {
		return err
	}

	store, closeStore, err := openStorage(opt)
	if err != nil {
		return err
	}
	defer closeStore()

	authenticator, err := newAuthenticator(opt)
	if err != nil {
		return err
	}

	srvOpts, err := serverOptions(opt, logger)
	if err != nil {
		return err
	}
	srvOpts = append(srvOpts, server.WithStorage(store), server.WithAuthenticator(authenticator))

	var metricsServer *http.Server
	if opt.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		collector := metrics.NewPrometheus("ftpd")
		if err := collector.Register(reg); err != nil {
			return err
		}
		srvOpts = append(srvOpts, server.WithMetricsCollector(collector))
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		metricsServer = &http.Server{Addr: opt.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}

	s, err := server.NewServer(opt.ListenAddr, srvOpts...)
	if err != nil {
		return err
	}
	if err := s.Listen(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := s.Serve()
		if errors.Is(err, server.ErrServerClosed) {
			return nil
		}
		return err
	})
	if metricsServer != nil {
		g.Go(func() error {
			logger.Info("metrics_listening", "addr", opt.MetricsAddr)
			err := metricsServer.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if metricsServer != nil {
			_ = metricsServer.Shutdown(shutdownCtx)
		}
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newLogger(opt *config.Options, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(opt.LogLevel)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	switch opt.LogFormat {
	case "json":
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), nil
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	})), nil
}
