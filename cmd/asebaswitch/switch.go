package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/baransel/aseba/internal/admin"
	"github.com/baransel/aseba/internal/config"
	"github.com/baransel/aseba/internal/discovery"
	"github.com/baransel/aseba/internal/relay"
	"github.com/baransel/aseba/internal/transport"
)

// app is a started switch with its optional side services.
type app struct {
	relay    *relay.Relay
	tcp      *transport.Server
	quic     *transport.Server
	admin    *admin.Listener
	zeroconf *discovery.Discovery
	log      *zap.Logger

	cancel context.CancelFunc
	done   chan error
}

// start binds the listeners, connects the additional targets and starts
// relaying. Listener failures are fatal; a target that cannot be reached is
// logged and skipped unless cfg.Strict is set.
func start(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := relay.New(relay.Options{
		Verbose:      cfg.Verbose,
		Dump:         cfg.Dump,
		Loop:         cfg.Loop,
		WriteTimeout: cfg.WriteTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		Logger:       log,
	})
	a := &app{relay: r, log: log, cancel: cancel, done: make(chan error, 1)}
	go func() { a.done <- r.Run(ctx) }()

	var err error
	if a.tcp, err = r.AddListener(ctx, "tcpin:port="+strconv.Itoa(cfg.Port)); err != nil {
		a.abort()
		return nil, fmt.Errorf("listen: %w", err)
	}
	if cfg.QUICPort > 0 {
		if a.quic, err = r.AddListener(ctx, "quicin:port="+strconv.Itoa(cfg.QUICPort)); err != nil {
			a.abort()
			return nil, fmt.Errorf("listen: %w", err)
		}
	}

	for _, spec := range cfg.Targets {
		p, err := r.AddOutboundTarget(ctx, spec)
		if err != nil {
			if cfg.Strict {
				a.abort()
				return nil, err
			}
			log.Error("cannot connect target", zap.String("target", spec), zap.Error(err))
			continue
		}
		log.Debug("target connected", zap.String("target", spec), zap.Stringer("peer", p))
	}

	if cfg.Admin.Addr != "" {
		if a.admin, err = admin.Listen(ctx, cfg.Admin.Addr, r, log.Named("admin")); err != nil {
			a.abort()
			return nil, err
		}
	}

	if cfg.Zeroconf.Enable {
		zlog := log.Named("zeroconf")
		a.zeroconf, err = discovery.New(cfg.Zeroconf.Name, a.tcp.Port(), func(s discovery.Switch) {
			zlog.Info("switch discovered", zap.String("name", s.Name), zap.String("target", s.Target()))
		})
		if err != nil {
			zlog.Warn("advertisement disabled", zap.Error(err))
		}
	}

	log.Debug("switch started", zap.String("addr", a.tcp.LocalAddr()), zap.Int("targets", len(cfg.Targets)))
	return a, nil
}

// wait blocks until the relay stops, then releases the side services.
func (a *app) wait() error {
	err := <-a.done
	a.cancel()
	if a.zeroconf != nil {
		_ = a.zeroconf.Close()
	}
	if a.admin != nil {
		a.admin.Stop()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.log.Debug("switch stopped")
	return nil
}

func (a *app) abort() {
	a.cancel()
	<-a.done
	if a.admin != nil {
		a.admin.Stop()
	}
}
