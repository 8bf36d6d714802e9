package main

import (
	"strings"
	"sync"
	"time"

	"github.com/pspitzner/beetsflask-sync/internal/config"
	"github.com/pspitzner/beetsflask-sync/internal/logging"
	"github.com/pspitzner/beetsflask-sync/pkg/cache"
	"github.com/pspitzner/beetsflask-sync/pkg/client"
	"github.com/pspitzner/beetsflask-sync/pkg/push"
	"github.com/pspitzner/beetsflask-sync/pkg/retry"
	"github.com/pspitzner/beetsflask-sync/pkg/session"
)

type globalFlags struct {
	config   string
	server   string
	token    string
	logLevel string
}

type commandContext struct {
	flags *globalFlags

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(flags *globalFlags) *commandContext {
	return &commandContext{flags: flags}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, err := config.Load(strings.TrimSpace(c.flags.config))
		if err != nil {
			c.configErr = err
			return
		}
		if c.flags.server != "" {
			cfg.Server.URL = strings.TrimSuffix(c.flags.server, "/")
			if cfg.Push.Transport != config.TransportNone {
				if cfg.Push.URL, err = config.PushURL(cfg.Server.URL, cfg.Push.Transport); err != nil {
					c.configErr = err
					return
				}
			}
		}
		if c.flags.token != "" {
			cfg.Server.Token = c.flags.token
		}
		if c.flags.logLevel != "" {
			cfg.Logging.Level = c.flags.logLevel
		}
		if err := cfg.Validate(); err != nil {
			c.configErr = err
			return
		}
		if err := logging.Init(logging.Config{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			// Command output goes to stdout.
			OutputPath: "stderr",
		}); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// stack is the wired sync layer for one command invocation.
type stack struct {
	client  *client.Client
	cache   *cache.Cache
	jobs    *push.JobIndex
	service *session.Service
}

func (c *commandContext) newStack() (*stack, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}

	rc := retry.DefaultConfig()
	rc.MaxAttempts = cfg.Server.RetryAttempts
	cl := client.New(client.Config{
		BaseURL:           cfg.Server.URL,
		Timeout:           cfg.Server.Timeout.Duration,
		RetryConfig:       rc,
		AuthToken:         cfg.Server.Token,
		RequestsPerSecond: cfg.Server.RequestsPerSecond,
	})
	if cl.TokenExpiresWithin(5 * time.Minute) {
		logging.Warn("auth token expires soon; requests may be rejected")
	}

	ch := cache.New(cl)
	jobs := push.NewJobIndex(0)
	return &stack{
		client:  cl,
		cache:   ch,
		jobs:    jobs,
		service: session.New(cl, ch, jobs),
	}, nil
}

func (s *stack) Close() {
	s.cache.Close()
	logging.Sync()
}

// newListener builds the push listener for cfg, or nil when push is off.
func (s *stack) newListener(cfg *config.Config, opts ...push.Option) *push.Listener {
	var stream push.Stream
	switch cfg.Push.Transport {
	case config.TransportWebSocket:
		stream = push.NewWebSocketStream(cfg.Push.URL, s.client.AuthToken)
	case config.TransportSSE:
		stream = push.NewSSEStream(cfg.Push.URL, s.client.AuthToken)
	default:
		return nil
	}

	backoff := retry.ReconnectConfig()
	backoff.InitialWait = cfg.Push.ReconnectMin.Duration
	backoff.MaxWait = cfg.Push.ReconnectMax.Duration

	opts = append([]push.Option{push.WithJobResolver(s.jobs), push.WithBackoff(backoff)}, opts...)
	return push.NewListener(stream, s.cache.Invalidate, opts...)
}
