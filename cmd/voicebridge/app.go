package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/sweeney/voicebridge/internal/agi"
	"github.com/sweeney/voicebridge/internal/ami"
	"github.com/sweeney/voicebridge/internal/callmanager"
	"github.com/sweeney/voicebridge/internal/config"
	"github.com/sweeney/voicebridge/internal/metrics"
	"github.com/sweeney/voicebridge/internal/opsapi"
	"github.com/sweeney/voicebridge/internal/publisher"
	"github.com/sweeney/voicebridge/internal/registry"
	"github.com/sweeney/voicebridge/internal/store"
	"github.com/sweeney/voicebridge/internal/voice"
)

// deps overrides collaborators that would otherwise be built from config.
type deps struct {
	publisher publisher.Publisher
	dial      ami.DialFunc
}

type app struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *metrics.Metrics

	voices   voice.Store
	sessions registry.Store
	cache    *voice.Cache
	reg      *registry.Registry

	pub      publisher.Publisher
	notifier *publisher.Notifier

	ami      *ami.Client
	asterisk *callmanager.Asterisk
	mgr      callmanager.CallManager

	agi    *agi.Server
	router http.Handler
	http   *opsapi.Server

	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger, d deps) (*app, error) {
	a := &app{cfg: cfg, log: log, metrics: metrics.New()}

	if err := a.openStores(ctx); err != nil {
		a.close()
		return nil, err
	}
	a.cache = voice.NewCache(a.voices, cfg.Cache.TTL,
		voice.WithMetrics(a.metrics), voice.WithLogger(log))

	if err := a.openPublisher(d.publisher); err != nil {
		a.close()
		return nil, err
	}
	opts := []registry.Option{registry.WithStore(a.sessions), registry.WithLogger(log)}
	if a.notifier != nil {
		opts = append(opts, registry.WithListener(a.notifier.Listener()))
	}
	a.reg = registry.New(opts...)

	a.buildManager(d.dial)

	a.agi = agi.NewServer(a.cache, agi.Options{Logger: log, Metrics: a.metrics})

	httpOpts := opsapi.Options{
		Manager:  a.mgr,
		Registry: a.reg,
		Metrics:  a.metrics,
		Logger:   log,
		AGI:      a.agi,
	}
	if a.ami != nil {
		ac := cfg.AMI
		httpOpts.Health = a.ami
		httpOpts.Calls = a.asterisk
		httpOpts.Switch = opsapi.SwitchInfo{
			Addr:       ac.Addr(),
			Configured: ac.Host != "" && ac.Username != "" && ac.Secret != "",
		}
	}
	a.router = opsapi.NewRouter(httpOpts)
	a.http = opsapi.NewServer(cfg.HTTP.Addr, httpOpts)
	return a, nil
}

// openStores picks the voice and session backends. A postgres pool is
// shared when both use it.
func (a *app) openStores(ctx context.Context) error {
	mem := store.NewSeededMemory()
	a.voices, a.sessions = mem, mem

	sc := a.cfg.Store
	var pg *store.Postgres
	if sc.Voices == "postgres" || sc.Sessions == "postgres" {
		pool, err := store.OpenPostgres(ctx, sc.PostgresDSN, store.PoolConfig{})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, pool.Close)
		pg = store.NewPostgres(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		if err := pg.SeedVoices(ctx, store.Catalogue); err != nil {
			return err
		}
		a.log.Info("postgres store ready")
	}
	if sc.Voices == "postgres" {
		a.voices = pg
	}

	switch sc.Sessions {
	case "postgres":
		a.sessions = pg
	case "redis":
		rdb, err := store.OpenRedis(ctx, store.RedisConfig{Addr: sc.RedisAddr})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		a.sessions = store.NewRedis(rdb, sc.RedisTTL)
		a.log.Info("redis session mirror ready", "addr", sc.RedisAddr)
	}
	return nil
}

func (a *app) openPublisher(override publisher.Publisher) error {
	pub := override
	if pub == nil && a.cfg.MQTT.Enabled {
		p, err := publisher.NewMQTTPublisher(publisher.MQTTOptions{
			Broker:   a.cfg.MQTT.Broker,
			ClientID: a.cfg.MQTT.ClientID,
			QoS:      1,
			Logger:   a.log,
		})
		if err != nil {
			return err
		}
		pub = p
	}
	if pub == nil {
		return nil
	}
	a.pub = pub
	a.closers = append(a.closers, func() { _ = pub.Close() })
	a.notifier = publisher.NewNotifier(pub, a.cfg.MQTT.TopicPrefix, publisher.WithNotifierLogger(a.log))
	return nil
}

func (a *app) buildManager(dial ami.DialFunc) {
	if a.cfg.Provider.Name == callmanager.ProviderTwilio {
		tc := a.cfg.Provider.Twilio
		a.mgr = callmanager.NewTwilio(a.reg, a.cache, callmanager.TwilioOptions{
			AccountSID:  tc.AccountSID,
			AuthToken:   tc.AuthToken,
			FromNumber:  tc.FromNumber,
			CallbackURL: tc.CallbackURL,
			Region:      tc.Region,
			Logger:      a.log,
		})
		return
	}

	ac := a.cfg.AMI
	a.ami = ami.New(ami.Options{
		Addr:              ac.Addr(),
		Username:          ac.Username,
		Secret:            ac.Secret,
		ConnectAttempts:   ac.ConnectAttempts,
		RetryDelay:        ac.RetryDelay,
		CommandTimeout:    ac.CommandTimeout,
		KeepaliveInterval: ac.KeepaliveInterval,
		Dial:              dial,
		OnEvent: func(m ami.Message) {
			a.asterisk.HandleEvent(m)
		},
		Logger:  a.log,
		Metrics: a.metrics,
	})
	a.asterisk = callmanager.NewAsterisk(a.ami, a.reg, a.cache, asteriskOptions(a.cfg, a.log, a.metrics))
	a.mgr = a.asterisk
}

func asteriskOptions(cfg *config.Config, log *slog.Logger, m *metrics.Metrics) callmanager.AsteriskOptions {
	return callmanager.AsteriskOptions{
		Context:       cfg.AMI.Context,
		Extension:     cfg.AMI.Extension,
		CallerID:      cfg.AMI.CallerID,
		ChannelFormat: cfg.AMI.ChannelFormat,
		AGIAddr:       agiDialAddr(cfg.AGI),
		Logger:        log,
		Metrics:       m,
	}
}

// agiDialAddr is the address the switch dials back on. A wildcard bind
// host is replaced by loopback.
func agiDialAddr(c config.AGIConfig) string {
	host := c.Host
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(c.Port))
}

// renderDialplan prints the configured provider's dialplan without
// connecting anywhere.
func renderDialplan(cfg *config.Config, voiceID string) (string, error) {
	if cfg.Provider.Name == callmanager.ProviderTwilio {
		return callmanager.NewTwilio(nil, nil, callmanager.TwilioOptions{}).Dialplan(voiceID)
	}
	return callmanager.NewAsterisk(nil, nil, nil, asteriskOptions(cfg, nil, nil)).Dialplan(voiceID)
}

// run serves until ctx ends or a component fails, then releases every
// resource.
func (a *app) run(ctx context.Context) error {
	defer a.close()

	if err := a.agi.Start(a.cfg.AGI.Addr()); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		a.agi.Stop()
		return nil
	})

	if a.ami != nil {
		a.ami.Start(ctx)
		g.Go(func() error {
			if err := a.ami.Connect(ctx); err != nil && ctx.Err() == nil {
				a.log.Error("initial AMI connect failed, keepalive will retry", "error", err)
			}
			<-ctx.Done()
			return a.ami.Close()
		})
	}
	if a.notifier != nil {
		g.Go(func() error {
			a.notifier.Run(ctx)
			return nil
		})
	}
	g.Go(func() error {
		if err := a.http.Run(ctx); err != nil {
			return fmt.Errorf("ops http: %w", err)
		}
		return nil
	})

	a.log.Info("voicebridge running",
		"provider", a.mgr.Name(),
		"agi", a.cfg.AGI.Addr(),
		"http", a.cfg.HTTP.Addr,
		"voices", a.cfg.Store.Voices,
		"sessions", a.cfg.Store.Sessions,
		"mqtt", a.notifier != nil)
	return g.Wait()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
