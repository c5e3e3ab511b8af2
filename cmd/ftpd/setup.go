package main

import (
	"log/slog"

	"github.com/pkg/errors"

	"github.com/gonzalop/ftpd/auth"
	"github.com/gonzalop/ftpd/config"
	"github.com/gonzalop/ftpd/server"
	"github.com/gonzalop/ftpd/storage/boltfs"
	"github.com/gonzalop/ftpd/storage/local"
	"github.com/gonzalop/ftpd/storage/memory"
)

// openStorage builds the configured backend. The returned func releases it.
func openStorage(opt *config.Options) (server.Storage, func(), error) {
	switch opt.Storage.Backend {
	case config.BackendLocal:
		store, err := local.New(opt.Storage.Root, local.WithReadOnly(opt.Storage.ReadOnly))
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	case config.BackendBolt:
		store, err := boltfs.Open(opt.Storage.Root)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	case config.BackendMemory:
		store := memory.New()
		if err := store.WriteFile("/README", []byte("This server keeps its files in memory.\r\n")); err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
	return nil, nil, errors.Errorf("unknown storage backend %q", opt.Storage.Backend)
}

func newAuthenticator(opt *config.Options) (server.Authenticator, error) {
	var chain []server.Authenticator
	if opt.Anonymous {
		chain = append(chain, auth.Anonymous())
	}
	if len(opt.Users) > 0 {
		users, err := auth.NewUsers(opt.Users)
		if err != nil {
			return nil, err
		}
		chain = append(chain, users)
	}
	if len(chain) == 0 {
		return nil, errors.New("no authenticator configured")
	}
	if len(chain) == 1 {
		return chain[0], nil
	}
	return auth.Chain(chain...), nil
}

func serverOptions(opt *config.Options, logger *slog.Logger) ([]server.Option, error) {
	lo, hi, err := opt.PassivePortRange()
	if err != nil {
		return nil, err
	}
	return []server.Option{
		server.WithLogger(logger),
		server.WithWelcomeMessage(opt.WelcomeMessage),
		server.WithWelcomeCode(opt.WelcomeCode),
		server.WithSystemName(opt.SystemName),
		server.WithFeatures(opt.Features...),
		server.WithPassivePortRange(lo, hi),
		server.WithPublicHost(opt.PublicHost),
		server.WithPollInterval(opt.PollInterval),
		server.WithMaxIdleTime(opt.MaxIdleTime),
		server.WithDataConnTimeout(opt.DataConnTimeout),
		server.WithMaxConnections(opt.MaxConnections, opt.MaxConnectionsPerIP),
		server.WithBandwidthLimit(opt.BandwidthLimit, opt.ClientBandwidth),
	}, nil
}
