package serve

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/andrebq/authbox/api"
	"github.com/andrebq/authbox/credstore"
	"github.com/andrebq/authbox/events"
	"github.com/andrebq/authbox/gate"
	"github.com/andrebq/authbox/internal/cmdflags"
	"github.com/andrebq/authbox/internal/httpserver"
	"github.com/andrebq/authbox/internal/logutil"
	"github.com/andrebq/authbox/oauth"
	"github.com/andrebq/authbox/password"
	"github.com/andrebq/authbox/token"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"golang.org/x/crypto/bcrypt"
)

type (
	settings struct {
		bind           string
		database       string
		autoMigrate    bool
		secretEnvVar   string
		jwtAlgorithm   string
		tokenValidity  time.Duration
		passwordScheme string
		bcryptCost     int

		cookieName     string
		secureCookie   bool
		httpOnlyCookie bool

		redisAddr     string
		redisPassword string
		redisDB       int
		eventsTopic   string
		eventsBuffer  int

		oauthClientID      string
		oauthSecretEnvVar  string
		oauthRedirectURL   string
		oauthAuthURL       string
		oauthTokenURL      string
		oauthProfileURL    string
		oauthTimeout       time.Duration
		oauthProfileScript string
	}
)

func Cmd() *cli.Command {
	s := settings{
		bind:              "localhost:8000",
		autoMigrate:       true,
		jwtAlgorithm:      token.DefaultAlgorithm,
		tokenValidity:     token.DefaultValidity,
		passwordScheme:    string(password.Bcrypt),
		bcryptCost:        bcrypt.DefaultCost,
		cookieName:        api.DefaultCookieName,
		eventsTopic:       events.DefaultTopic,
		eventsBuffer:      events.DefaultBufferSize,
		oauthSecretEnvVar: "AUTHBOX_OAUTH_CLIENT_SECRET",
		oauthTimeout:      oauth.DefaultTimeout,
	}
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the authentication http service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "bind",
				Usage:       "Address to bind the http server",
				EnvVars:     []string{"AUTHBOX_BIND"},
				Value:       s.bind,
				Destination: &s.bind,
			},
			cmdflags.Database(&s.database),
			&cli.BoolFlag{
				Name:        "auto-migrate",
				Usage:       "Apply pending database migrations on startup",
				EnvVars:     []string{"AUTHBOX_AUTO_MIGRATE"},
				Value:       s.autoMigrate,
				Destination: &s.autoMigrate,
			},
			cmdflags.SecretEnvVar(&s.secretEnvVar),
			&cli.StringFlag{
				Name:        "jwt-algorithm",
				Usage:       "HMAC algorithm used to sign session tokens (HS256, HS384 or HS512)",
				EnvVars:     []string{"AUTHBOX_JWT_ALGORITHM"},
				Value:       s.jwtAlgorithm,
				Destination: &s.jwtAlgorithm,
			},
			&cli.DurationFlag{
				Name:        "token-validity",
				Usage:       "How long a session token remains valid",
				EnvVars:     []string{"AUTHBOX_TOKEN_VALIDITY"},
				Value:       s.tokenValidity,
				Destination: &s.tokenValidity,
			},
			cmdflags.PasswordScheme(&s.passwordScheme),
			cmdflags.BcryptCost(&s.bcryptCost),
			&cli.StringFlag{
				Name:        "cookie-name",
				Usage:       "Name of the session cookie",
				Value:       s.cookieName,
				Destination: &s.cookieName,
			},
			&cli.BoolFlag{
				Name:        "secure-cookie",
				Usage:       "Only send the session cookie over https",
				EnvVars:     []string{"AUTHBOX_SECURE_COOKIE"},
				Destination: &s.secureCookie,
			},
			&cli.BoolFlag{
				Name:        "http-only-cookie",
				Usage:       "Hide the session cookie from browser scripts",
				EnvVars:     []string{"AUTHBOX_HTTP_ONLY_COOKIE"},
				Destination: &s.httpOnlyCookie,
			},
			&cli.StringFlag{
				Name:        "redis-addr",
				Usage:       "Redis address used to publish user events, events are only logged when empty",
				EnvVars:     []string{"AUTHBOX_REDIS_ADDR"},
				Destination: &s.redisAddr,
			},
			&cli.StringFlag{
				Name:        "redis-password",
				EnvVars:     []string{"AUTHBOX_REDIS_PASSWORD"},
				Destination: &s.redisPassword,
			},
			&cli.IntFlag{
				Name:        "redis-db",
				EnvVars:     []string{"AUTHBOX_REDIS_DB"},
				Destination: &s.redisDB,
			},
			&cli.StringFlag{
				Name:        "events-topic",
				Usage:       "Channel that receives user events",
				Value:       s.eventsTopic,
				Destination: &s.eventsTopic,
			},
			&cli.IntFlag{
				Name:        "events-buffer",
				Usage:       "How many events can wait for the broker before new ones are dropped",
				Value:       s.eventsBuffer,
				Destination: &s.eventsBuffer,
			},
			&cli.StringFlag{
				Name:        "oauth-client-id",
				Usage:       "Client id registered with the identity provider, oauth login is disabled when empty",
				EnvVars:     []string{"AUTHBOX_OAUTH_CLIENT_ID"},
				Destination: &s.oauthClientID,
			},
			&cli.StringFlag{
				Name:        "oauth-client-secret-envvar-name",
				Usage:       "Name of the environment variable that holds the oauth client secret",
				Value:       s.oauthSecretEnvVar,
				Destination: &s.oauthSecretEnvVar,
			},
			&cli.StringFlag{
				Name:        "oauth-redirect-url",
				EnvVars:     []string{"AUTHBOX_OAUTH_REDIRECT_URL"},
				Destination: &s.oauthRedirectURL,
			},
			&cli.StringFlag{
				Name:        "oauth-auth-url",
				Usage:       "Override the provider authorization endpoint",
				Destination: &s.oauthAuthURL,
			},
			&cli.StringFlag{
				Name:        "oauth-token-url",
				Usage:       "Override the provider token endpoint",
				Destination: &s.oauthTokenURL,
			},
			&cli.StringFlag{
				Name:        "oauth-profile-url",
				Usage:       "Override the provider profile endpoint",
				Destination: &s.oauthProfileURL,
			},
			&cli.DurationFlag{
				Name:        "oauth-timeout",
				Usage:       "Timeout for each call to the identity provider",
				Value:       s.oauthTimeout,
				Destination: &s.oauthTimeout,
			},
			&cli.StringFlag{
				Name:        "oauth-profile-script",
				Usage:       "Lua script that maps the provider profile to a username and email",
				Destination: &s.oauthProfileScript,
			},
		},
		Action: func(ctx *cli.Context) error {
			return run(ctx.Context, s)
		},
	}
}

func run(ctx context.Context, s settings) error {
	log := logutil.GetOrDefault(ctx)

	secret, err := token.SecretFromEnv(s.secretEnvVar, os.Getenv, os.Setenv)
	if err != nil {
		return err
	}
	issuer, err := token.NewIssuer(secret, s.jwtAlgorithm, token.WithValidity(s.tokenValidity))
	if err != nil {
		return err
	}
	hasher, err := password.New(password.Scheme(s.passwordScheme), password.WithBcryptCost(s.bcryptCost))
	if err != nil {
		return err
	}

	store, err := credstore.Open(ctx, s.database)
	if err != nil {
		return err
	}
	defer store.Close()
	if m, ok := store.(credstore.Migrator); ok && s.autoMigrate {
		if err := m.Migrate(ctx); err != nil {
			return fmt.Errorf("unable to migrate database, cause %w", err)
		}
	}

	sink, closeSink := eventSink(ctx, s)
	defer closeSink()
	dispatcher := events.NewDispatcher(sink,
		events.WithTopic(s.eventsTopic),
		events.WithBufferSize(s.eventsBuffer),
		events.WithLogger(log.With().Str("component", "events").Logger()))
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	g, err := gate.New(store, hasher, issuer, dispatcher)
	if err != nil {
		return err
	}

	bridge, err := oauthBridge(s, g)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	handler, err := api.AsHandler(ctx, g, api.Options{
		Cookie: api.CookiePolicy{
			Name:     s.cookieName,
			Secure:   s.secureCookie,
			HTTPOnly: s.httpOnlyCookie,
			MaxAge:   s.tokenValidity,
		},
		OAuth:      bridge,
		Registry:   reg,
		EventStats: dispatcher.Stats,
	})
	if err != nil {
		return err
	}
	return httpserver.Serve(ctx, httpserver.DefaultConfig(s.bind), handler)
}

func eventSink(ctx context.Context, s settings) (events.Sink, func()) {
	log := logutil.GetOrDefault(ctx)
	if s.redisAddr == "" {
		log.Info().Msg("No broker configured, user events will only be logged")
		return events.LogSink{Log: log.With().Str("component", "events").Logger()}, func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     s.redisAddr,
		Password: s.redisPassword,
		DB:       s.redisDB,
	})
	sink := events.NewRedisSink(client)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sink.Ping(pingCtx); err != nil {
		// events are best effort, the service starts anyway
		log.Warn().Err(err).Str("redis.addr", s.redisAddr).Msg("Redis is not reachable")
	}
	return sink, func() { client.Close() }
}

func oauthBridge(s settings, g *gate.Gate) (*oauth.Bridge, error) {
	if s.oauthClientID == "" {
		return nil, nil
	}
	clientSecret, err := token.SecretFromEnv(s.oauthSecretEnvVar, os.Getenv, os.Setenv)
	if err != nil {
		return nil, err
	}
	cfg := oauth.YandexConfig(s.oauthClientID, string(clientSecret), s.oauthRedirectURL)
	cfg.Timeout = s.oauthTimeout
	if s.oauthAuthURL != "" {
		cfg.AuthURL = s.oauthAuthURL
	}
	if s.oauthTokenURL != "" {
		cfg.TokenURL = s.oauthTokenURL
	}
	if s.oauthProfileURL != "" {
		cfg.ProfileURL = s.oauthProfileURL
	}
	var script []byte
	if s.oauthProfileScript != "" {
		script, err = os.ReadFile(s.oauthProfileScript)
		if err != nil {
			return nil, fmt.Errorf("unable to read profile script, cause %w", err)
		}
	}
	mapper, err := oauth.NewMapper(s.oauthProfileScript, string(script))
	if err != nil {
		return nil, err
	}
	return oauth.NewBridge(cfg, g, oauth.WithMapper(mapper))
}
