package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/roach88/entsync/internal/client"
	"github.com/roach88/entsync/internal/config"
	"github.com/roach88/entsync/internal/persist"
	"github.com/roach88/entsync/internal/remote"
	"github.com/roach88/entsync/internal/schema"
	"github.com/roach88/entsync/internal/store"
)

// overrides are the config fields commands accept as flags.
type overrides struct {
	URL       string
	Storage   string
	Path      string
	SchemaDir string
}

func (ov *overrides) bind(fs *pflag.FlagSet) {
	fs.StringVar(&ov.URL, "url", "", "backend base URL (overrides source.url)")
	fs.StringVar(&ov.Storage, "storage", "", "snapshot storage: memory|file|sqlite|redis (overrides cache.storage)")
	fs.StringVar(&ov.Path, "cache-path", "", "snapshot file or database (overrides cache.path)")
	fs.StringVar(&ov.SchemaDir, "schema-dir", "", "CUE schema directory (overrides schema-dir)")
}

func (ov *overrides) apply(cfg *config.Config) {
	if ov.URL != "" {
		cfg.Source.URL = ov.URL
	}
	if ov.Storage != "" {
		cfg.Cache.Storage = ov.Storage
	}
	if ov.Path != "" {
		cfg.Cache.Path = ov.Path
	}
	if ov.SchemaDir != "" {
		cfg.SchemaDir = ov.SchemaDir
	}
}

// env is what a command builds from the configuration. Close releases
// storage handles and Redis connections.
type env struct {
	cfg      *config.Config
	logger   *slog.Logger
	storage  persist.Storage
	registry *schema.Registry

	redis   map[string]*redis.Client
	closers []func() error
}

func (o *RootOptions) newEnv(cmd *cobra.Command, ov *overrides) (*env, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	if ov != nil {
		ov.apply(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	e := &env{
		cfg:    cfg,
		logger: o.newLogger(cfg, cmd.ErrOrStderr()),
		redis:  make(map[string]*redis.Client),
	}
	if e.storage, err = e.openStorage(); err != nil {
		e.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open snapshot storage", err)
	}
	if cfg.SchemaDir != "" {
		reg, errs := schema.Load(cfg.SchemaDir, schema.LoadModeFailFast)
		if len(errs) > 0 {
			e.Close()
			return nil, WrapExitError(ExitCommandError, "failed to load schemas", errs[0])
		}
		e.registry = reg
	}
	return e, nil
}

func (e *env) openStorage() (persist.Storage, error) {
	c := e.cfg.Cache
	switch c.Storage {
	case config.StorageMemory:
		return persist.NewMemoryStorage(), nil
	case config.StorageFile:
		return persist.NewFileStorage(c.Path), nil
	case config.StorageSQLite:
		if dir := filepath.Dir(c.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create cache directory: %w", err)
			}
		}
		s, err := persist.OpenSQLite(c.Path, c.Snapshot)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, s.Close)
		return s, nil
	case config.StorageRedis:
		return persist.NewRedisStorage(e.redisClient(c.RedisAddr), c.RedisKey, c.TTL), nil
	}
	return nil, fmt.Errorf("unknown storage %q", c.Storage)
}

// redisClient returns one shared client per address.
func (e *env) redisClient(addr string) *redis.Client {
	if rc, ok := e.redis[addr]; ok {
		return rc
	}
	rc := redis.NewClient(&redis.Options{Addr: addr})
	e.redis[addr] = rc
	e.closers = append(e.closers, rc.Close)
	return rc
}

// source returns the HTTP backend from the configuration.
func (e *env) source() (*remote.HTTPSource, error) {
	if e.cfg.Source.URL == "" {
		return nil, NewExitError(ExitCommandError, "no backend URL: set source.url or --url")
	}
	src := remote.NewHTTPSource(e.cfg.Source.URL, e.cfg.Source.HTTPHeaders())
	if e.cfg.Source.Timeout > 0 {
		src.Timeout = e.cfg.Source.Timeout
	}
	return src, nil
}

// newClient builds a cache over src that persists to the configured storage.
func (e *env) newClient(src remote.Source) *client.Client {
	opts := []client.Option{
		client.WithLogger(e.logger),
		client.WithConcurrency(e.cfg.Cache.Concurrency),
		client.WithPageSize(e.cfg.Cache.PageSize),
		client.WithStorage(e.storage, e.cfg.Cache.Interval),
	}
	if e.registry != nil {
		opts = append(opts, client.WithResolver(e.registry))
	}
	return client.New(store.New(store.WithLogger(e.logger)), src, opts...)
}

func (e *env) headers() http.Header {
	return e.cfg.Source.HTTPHeaders()
}

// Close releases everything opened for the command, last opened first.
func (e *env) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i]())
	}
	e.closers = nil
	return errors.Join(errs...)
}
