package server

import (
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// Option is a functional option for configuring an FTP server.
type Option func(*Server) error

// WithStorage sets the hierarchy served to clients.
// This option is required and can only be set once.
//
// Example:
//
//	s, _ := server.NewServer(":21", server.WithStorage(memory.New()), ...)
func WithStorage(storage Storage) Option {
	return func(s *Server) error {
		if s.storage != nil {
			return errors.New("storage already set")
		}
		s.storage = storage
		return nil
	}
}

// WithAuthenticator sets the login policy.
// This option is required and can only be set once.
//
// Example:
//
//	users, _ := auth.NewUsers(map[string]string{"alice": hash})
//	s, _ := server.NewServer(":21",
//	    server.WithStorage(store),
//	    server.WithAuthenticator(users),
//	)
func WithAuthenticator(a Authenticator) Option {
	return func(s *Server) error {
		if s.authenticator != nil {
			return errors.New("authenticator already set")
		}
		s.authenticator = a
		return nil
	}
}

// WithLogger sets a custom logger for the server.
// If not specified, slog.Default() is used.
//
// Example with debug logging:
//
//	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	}))
//	s, _ := server.NewServer(":21",
//	    server.WithStorage(store),
//	    server.WithAuthenticator(users),
//	    server.WithLogger(logger),
//	)
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

// WithWelcomeMessage sets the banner sent when a client connects.
func WithWelcomeMessage(msg string) Option {
	return func(s *Server) error {
		s.welcomeMessage = msg
		return nil
	}
}

// WithWelcomeCode sets the reply code of the banner. The default is 200;
// most clients also accept 220, the code RFC 959 names for this reply.
func WithWelcomeCode(code int) Option {
	return func(s *Server) error {
		if code < 100 || code > 599 {
			return errors.Errorf("invalid welcome code %d", code)
		}
		s.welcomeCode = code
		return nil
	}
}

// WithSystemName sets the text returned by SYST.
// If not specified, defaults to "UNIX Type: L8".
func WithSystemName(name string) Option {
	return func(s *Server) error {
		s.systemName = name
		return nil
	}
}

// WithFeatures sets the extensions listed in the FEAT reply. With no
// features FEAT answers "211 no additional features supported".
//
// Example:
//
//	server.WithFeatures("EPSV", "PASV", "UTF8")
func WithFeatures(features ...string) Option {
	return func(s *Server) error {
		s.features = append([]string(nil), features...)
		return nil
	}
}

// WithPassivePortRange sets the ports handed out by PASV and EPSV.
// If not specified, ports 30000-32000 are used.
//
// Example behind a firewall that only forwards 50000-50099:
//
//	server.WithPassivePortRange(50000, 50099)
func WithPassivePortRange(min, max uint16) Option {
	return func(s *Server) error {
		if min == 0 || max < min {
			return errors.Errorf("invalid passive port range %d-%d", min, max)
		}
		s.pasvMinPort, s.pasvMaxPort = min, max
		return nil
	}
}

// WithPublicHost sets the host advertised in PASV replies. It may be an
// IPv4 address or a hostname; hostnames are resolved and the result cached.
// Required when the server runs behind NAT.
func WithPublicHost(host string) Option {
	return func(s *Server) error {
		s.publicHost = host
		return nil
	}
}

// WithPollInterval sets how long the event loop waits for readiness before
// advancing queued transfers. If not specified, defaults to 30ms.
func WithPollInterval(d time.Duration) Option {
	return func(s *Server) error {
		if d <= 0 {
			return errors.Errorf("invalid poll interval %s", d)
		}
		s.pollInterval = d
		return nil
	}
}

// WithMaxIdleTime sets the maximum time a connection can be idle before being closed.
// If not specified, defaults to 5 minutes. Zero disables the check.
//
// Example:
//
//	s, _ := server.NewServer(":21",
//	    server.WithStorage(store),
//	    server.WithAuthenticator(users),
//	    server.WithMaxIdleTime(10*time.Minute),
//	)
func WithMaxIdleTime(duration time.Duration) Option {
	return func(s *Server) error {
		s.maxIdleTime = duration
		return nil
	}
}

// WithDataConnTimeout sets how long a data connection may wait for the
// client (passive) or for connect completion (active). When it expires the
// data connection is closed and the client gets a 425 reply.
// If not specified, defaults to 30 seconds. Zero disables the check.
func WithDataConnTimeout(d time.Duration) Option {
	return func(s *Server) error {
		s.dataConnTimeout = d
		return nil
	}
}

// WithMaxConnections sets the maximum number of simultaneous connections,
// in total and per client IP. Zero means no limit, which is the default.
//
// When a limit is reached, new connections receive a 421 response.
//
// Example:
//
//	s, _ := server.NewServer(":21",
//	    server.WithStorage(store),
//	    server.WithAuthenticator(users),
//	    server.WithMaxConnections(100, 10),
//	)
func WithMaxConnections(total, perIP int) Option {
	return func(s *Server) error {
		if total < 0 || perIP < 0 {
			return errors.New("connection limits must not be negative")
		}
		s.maxConnections = total
		s.maxConnectionsPerIP = perIP
		return nil
	}
}

// WithBandwidthLimit caps data connection throughput in bytes per second,
// for the whole server and for each client. Zero means unlimited.
//
// Example:
//
//	server.WithBandwidthLimit(10<<20, 1<<20) // 10 MiB/s total, 1 MiB/s each
func WithBandwidthLimit(global, perClient int) Option {
	return func(s *Server) error {
		if global < 0 || perClient < 0 {
			return errors.New("bandwidth limits must not be negative")
		}
		s.globalLimiter = nil
		if global > 0 {
			s.globalLimiter = rate.NewLimiter(rate.Limit(global), global)
		}
		s.perTransferLimit = perClient
		return nil
	}
}

// WithMetricsCollector sets a collector for server metrics.
//
// Example:
//
//	collector := metrics.NewPrometheus("ftpd")
//	_ = collector.Register(prometheus.DefaultRegisterer)
//	s, _ := server.NewServer(":21",
//	    server.WithStorage(store),
//	    server.WithAuthenticator(users),
//	    server.WithMetricsCollector(collector),
//	)
func WithMetricsCollector(collector MetricsCollector) Option {
	return func(s *Server) error {
		s.metricsCollector = collector
		return nil
	}
}

// WithAllowForeignActiveAddress lets PORT name an address other than the
// client's own. This re-enables FTP bounce attacks and should only be used
// for server-to-server transfers on trusted networks.
func WithAllowForeignActiveAddress(allow bool) Option {
	return func(s *Server) error {
		s.allowForeignActive = allow
		return nil
	}
}
