/*
Mailstack - Composable SMTP/IMAP mail server.

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Command mailstackd is a thin entry point (C10) wiring the auth
// provider (C1), MX resolver (C2), mailbox store (C3), delivery client
// (C4), SMTP session (C5), IMAP session (C6) and listeners (C7) together
// behind a github.com/urfave/cli/v2 "run" command, grounded in the
// teacher's internal/cli/app.go (single long-lived cli.App, flags applied
// before Run) generalized from maddy's block-configuration-file reader to
// a flat JSON config (the pack carries no config-DSL parser library to
// wire instead).
//
// mailstackd carries no protocol logic of its own; every decision here is
// which concrete component to construct, not how a component behaves.
package main

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/urfave/cli/v2"

	"github.com/mailstack/mailstack/internal/auth"
	authldap "github.com/mailstack/mailstack/internal/auth/ldap"
	authmem "github.com/mailstack/mailstack/internal/auth/memory"
	"github.com/mailstack/mailstack/internal/deliveryclient"
	"github.com/mailstack/mailstack/internal/imapserver"
	"github.com/mailstack/mailstack/internal/listener"
	"github.com/mailstack/mailstack/internal/log"
	"github.com/mailstack/mailstack/internal/metrics"
	"github.com/mailstack/mailstack/internal/proxyprotocol"
	"github.com/mailstack/mailstack/internal/resolver"
	resolverdoh "github.com/mailstack/mailstack/internal/resolver/doh"
	resolversimple "github.com/mailstack/mailstack/internal/resolver/simple"
	"github.com/mailstack/mailstack/internal/smtpserver"
	"github.com/mailstack/mailstack/internal/store"
	storefs "github.com/mailstack/mailstack/internal/store/filesystem"
	storemem "github.com/mailstack/mailstack/internal/store/memory"
	storeS3 "github.com/mailstack/mailstack/internal/store/s3store"
	storesql "github.com/mailstack/mailstack/internal/store/sqlstore"
)

// config is the on-disk shape read from -config, intentionally flat: this
// repository has no block-configuration-file DSL to generalize the way
// the teacher's framework/config/parser does, so plain JSON stands in.
type config struct {
	Hostname string `json:"hostname"`

	SMTPAddr  string `json:"smtp_addr"`
	IMAPAddr  string `json:"imap_addr"`
	IMAPSAddr string `json:"imaps_addr"`

	TLSCert string `json:"tls_cert"`
	TLSKey  string `json:"tls_key"`

	// Auth selects "memory" (default) or "ldap".
	Auth struct {
		Backend string            `json:"backend"`
		Users   map[string]string `json:"users"` // memory backend only
		LDAP    struct {
			URLs           []string `json:"urls"`
			BaseDN         string   `json:"base_dn"`
			FilterTemplate string   `json:"filter_template"`
		} `json:"ldap"`
	} `json:"auth"`

	// Store selects "memory" (default), "filesystem", "sql" or "s3".
	Store struct {
		Backend string `json:"backend"`
		Path    string `json:"path"` // filesystem root or sqlite DSN

		// S3 fields, used only when Backend is "s3".
		Bucket    string `json:"bucket"`
		Prefix    string `json:"prefix"`
		Endpoint  string `json:"endpoint"`
		AccessKey string `json:"access_key"`
		SecretKey string `json:"secret_key"`
		UseSSL    bool   `json:"use_ssl"`
	} `json:"store"`

	// Relay enables outbound delivery via C4; resolver selects "simple"
	// (default) or "doh".
	Relay struct {
		Enabled  bool   `json:"enabled"`
		Resolver string `json:"resolver"`
		DoHURL   string `json:"doh_url"`
	} `json:"relay"`

	ProxyProtocol bool `json:"proxy_protocol"`

	MetricsAddr string `json:"metrics_addr"`

	Debug bool `json:"debug"`
}

func loadConfig(path string) (config, error) {
	f, err := os.Open(path)
	if err != nil {
		return config{}, fmt.Errorf("mailstackd: cannot open config: %w", err)
	}
	defer f.Close()

	var cfg config
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return config{}, fmt.Errorf("mailstackd: cannot parse config: %w", err)
	}
	if cfg.Hostname == "" {
		return config{}, fmt.Errorf("mailstackd: config: hostname is required")
	}
	return cfg, nil
}

func buildAuth(cfg config, logger log.Logger) (auth.Provider, error) {
	switch cfg.Auth.Backend {
	case "", "memory":
		return authmem.NewWithUsers(cfg.Auth.Users)
	case "ldap":
		return &authldap.Provider{
			URLs:           cfg.Auth.LDAP.URLs,
			BaseDN:         cfg.Auth.LDAP.BaseDN,
			FilterTemplate: cfg.Auth.LDAP.FilterTemplate,
			Log:            logger.Named("auth/ldap"),
		}, nil
	default:
		return nil, fmt.Errorf("mailstackd: unknown auth backend %q", cfg.Auth.Backend)
	}
}

func buildStore(cfg config, provider auth.Provider, logger log.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case "", "memory":
		return storemem.New(provider), nil
	case "filesystem":
		if cfg.Store.Path == "" {
			return nil, fmt.Errorf("mailstackd: filesystem store requires store.path")
		}
		return storefs.New(provider, cfg.Store.Path), nil
	case "sql":
		if cfg.Store.Path == "" {
			return nil, fmt.Errorf("mailstackd: sql store requires store.path")
		}
		return storesql.Open(provider, cfg.Store.Path)
	case "s3":
		if cfg.Store.Bucket == "" || cfg.Store.Endpoint == "" {
			return nil, fmt.Errorf("mailstackd: s3 store requires store.bucket and store.endpoint")
		}
		cl, err := minio.New(cfg.Store.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.Store.AccessKey, cfg.Store.SecretKey, ""),
			Secure: cfg.Store.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("mailstackd: s3 store: %w", err)
		}
		return &storeS3.Store{
			Auth:   provider,
			Client: cl,
			Bucket: cfg.Store.Bucket,
			Prefix: cfg.Store.Prefix,
			Log:    logger.Named("store/s3"),
		}, nil
	default:
		return nil, fmt.Errorf("mailstackd: unknown store backend %q", cfg.Store.Backend)
	}
}

func buildResolver(cfg config, logger log.Logger) resolver.Resolver {
	switch cfg.Relay.Resolver {
	case "doh":
		return &resolverdoh.Resolver{Upstream: cfg.Relay.DoHURL, Log: logger.Named("resolver/doh")}
	default:
		return &resolversimple.Resolver{Log: logger.Named("resolver/simple")}
	}
}

func loadTLSConfig(cfg config) (*tls.Config, error) {
	if cfg.TLSCert == "" || cfg.TLSKey == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
	if err != nil {
		return nil, fmt.Errorf("mailstackd: loading TLS certificate: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// countingFactory wraps a listener.SessionFactory so every accepted
// connection is reflected in reg's connections-accepted counter, keeping
// C9 an observer of C7 rather than something C5/C6 need to know about.
func countingFactory(reg *metrics.Registry, name string, next listener.SessionFactory) listener.SessionFactory {
	return func(conn net.Conn) listener.Session {
		reg.IncConnectionAccepted(name)
		return next(conn)
	}
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return err
	}

	logger := log.Default("mailstackd")
	logger.Debug = cfg.Debug || c.Bool("debug")

	authProvider, err := buildAuth(cfg, logger)
	if err != nil {
		return err
	}

	mailStore, err := buildStore(cfg, authProvider, logger)
	if err != nil {
		return err
	}

	tlsConfig, err := loadTLSConfig(cfg)
	if err != nil {
		return err
	}

	var proxyCfg *proxyprotocol.Config
	if cfg.ProxyProtocol {
		proxyCfg = &proxyprotocol.Config{Log: logger.Named("proxyprotocol")}
	}

	reg := metrics.New()

	var deliveryClient smtpserver.DeliveryClient
	if cfg.Relay.Enabled {
		deliveryClient = &deliveryclient.Client{
			Hostname: cfg.Hostname,
			Resolver: buildResolver(cfg, logger),
			Log:      logger.Named("deliveryclient"),
			Metrics:  reg,
		}
	}

	smtpCfg := smtpserver.Config{
		Hostname:       cfg.Hostname,
		TLSConfig:      tlsConfig,
		Auth:           authProvider,
		Store:          mailStore,
		DeliveryClient: deliveryClient,
		Log:            logger.Named("smtpserver"),
		Metrics:        reg,
	}
	imapCfg := imapserver.Config{
		Hostname:  cfg.Hostname,
		TLSConfig: tlsConfig,
		Auth:      authProvider,
		Store:     mailStore,
		Log:       logger.Named("imapserver"),
		Metrics:   reg,
	}

	var listeners []*listener.Listener

	if cfg.SMTPAddr != "" {
		ln, err := listener.Listen(listener.Config{
			Address: cfg.SMTPAddr, TLSConfig: tlsConfig, ProxyProtocol: proxyCfg, Log: logger.Named("listener/smtp"),
		})
		if err != nil {
			return fmt.Errorf("mailstackd: smtp listener: %w", err)
		}
		listeners = append(listeners, ln)
		go ln.Serve(countingFactory(reg, "smtp", func(conn net.Conn) listener.Session {
			return smtpserver.NewSession(conn, smtpCfg)
		}))
	}

	if cfg.IMAPAddr != "" {
		ln, err := listener.Listen(listener.Config{
			Address: cfg.IMAPAddr, TLSConfig: tlsConfig, ProxyProtocol: proxyCfg, Log: logger.Named("listener/imap"),
		})
		if err != nil {
			return fmt.Errorf("mailstackd: imap listener: %w", err)
		}
		listeners = append(listeners, ln)
		go ln.Serve(countingFactory(reg, "imap", func(conn net.Conn) listener.Session {
			return imapserver.NewSession(conn, imapCfg)
		}))
	}

	if cfg.IMAPSAddr != "" {
		implicitCfg := imapCfg
		implicitCfg.ImplicitTLS = true
		ln, err := listener.Listen(listener.Config{
			Address: cfg.IMAPSAddr, ImplicitTLS: true, TLSConfig: tlsConfig, ProxyProtocol: proxyCfg, Log: logger.Named("listener/imaps"),
		})
		if err != nil {
			return fmt.Errorf("mailstackd: imaps listener: %w", err)
		}
		listeners = append(listeners, ln)
		go ln.Serve(countingFactory(reg, "imaps", func(conn net.Conn) listener.Session {
			return imapserver.NewSession(conn, implicitCfg)
		}))
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", reg.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server stopped", err)
			}
		}()
		logger.Printf("metrics listening on %s", cfg.MetricsAddr)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Printf("shutting down")
	for _, ln := range listeners {
		ln.Close()
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:  "mailstackd",
		Usage: "composable SMTP/IMAP mail server",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "start the server",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "/etc/mailstack/mailstack.json", Usage: "path to configuration file"},
					&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
				},
				Action: run,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
