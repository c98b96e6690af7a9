package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/frostline-dev/sigil/api/schemas"
	"github.com/frostline-dev/sigil/internal/audit"
	"github.com/frostline-dev/sigil/internal/backends"
	"github.com/frostline-dev/sigil/internal/capability"
	"github.com/frostline-dev/sigil/internal/config"
	"github.com/frostline-dev/sigil/internal/hostproc"
	"github.com/frostline-dev/sigil/internal/observability"
	"github.com/frostline-dev/sigil/internal/profiles"
	"github.com/frostline-dev/sigil/internal/router"
	"github.com/frostline-dev/sigil/internal/runtime"
	"github.com/frostline-dev/sigil/internal/sigresolve"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// adapterComponents holds the wired runtime adapter and the resources that
// must outlive it.
type adapterComponents struct {
	Adapter *runtime.Adapter
	DBPool  *pgxpool.Pool
}

// Shutdown detaches the session and releases the database pool.
func (c *adapterComponents) Shutdown() {
	if c.Adapter != nil {
		c.Adapter.Detach()
	}
	if c.DBPool != nil {
		c.DBPool.Close()
	}
}

// buildAdapter performs the dependency wiring for an attach-capable command:
// procfs host access, profile and capability stores, the signature resolver,
// the backend set, and optionally the audit sink.
func buildAdapter(ctx context.Context, cfg *config.Config, processName string, role schemas.HostRole, logger *zap.Logger) (*adapterComponents, error) {
	components := &adapterComponents{}

	host, err := hostproc.New(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize host process access: %w", err)
	}

	repo, err := profiles.NewFileRepository(logger, cfg.Profiles().Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize profile repository: %w", err)
	}

	capStore, err := capability.NewFileStore(logger, cfg.Capability().Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize capability map store: %w", err)
	}
	capResolver, err := capability.New(logger, capStore)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize capability resolver: %w", err)
	}

	sigResolver, err := sigresolve.New(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize signature resolver: %w", err)
	}

	backendRouter, err := router.New(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize backend router: %w", err)
	}

	set, err := buildBackendSet(cfg, host, logger)
	if err != nil {
		return nil, err
	}

	var sink schemas.AuditSink
	if cfg.Database().Enabled {
		pool, err := pgxpool.New(ctx, cfg.Database().URL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		components.DBPool = pool

		auditSink, err := audit.New(ctx, pool, logger)
		if err != nil {
			components.Shutdown()
			return nil, fmt.Errorf("failed to initialize audit sink: %w", err)
		}
		sink = auditSink
	}

	adapter, err := runtime.New(
		runtime.Config{FreezeInterval: cfg.Runtime().FreezeInterval},
		runtime.Deps{
			Logger:        logger,
			Locator:       host.Locator(processName, role),
			Profiles:      repo,
			Fingerprinter: host.Fingerprinter(),
			Imager:        host.Imager(),
			Signatures:    sigResolver,
			Capabilities:  capResolver,
			Router:        backendRouter,
			Backends:      set,
			Audit:         sink,
		},
	)
	if err != nil {
		components.Shutdown()
		return nil, fmt.Errorf("failed to initialize runtime adapter: %w", err)
	}
	components.Adapter = adapter

	return components, nil
}

// buildBackendSet assembles the configured mutation strategies. Memory is
// always present; the bridge and the helper path on top of it are
// deployment-optional. No save editor ships with the CLI, so the save slot
// stays empty and the router reports it unavailable.
func buildBackendSet(cfg *config.Config, host *hostproc.Host, logger *zap.Logger) (*backends.Set, error) {
	memory, err := backends.NewMemoryBackend(logger, host.Opener())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize memory backend: %w", err)
	}
	set := &backends.Set{Memory: memory}

	if cfg.Bridge().Enabled {
		bridge, err := backends.NewBridgeBackend(logger, backends.NetDialer{
			Endpoint: cfg.Bridge().Endpoint,
			Timeout:  cfg.Bridge().DialTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize bridge backend: %w", err)
		}
		set.Bridge = bridge

		helper, err := backends.NewHelperBackend(logger, bridge)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize helper backend: %w", err)
		}
		set.Helper = helper
	}

	return set, nil
}

// printJSON renders v as indented JSON on w.
func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to render output: %w", err)
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

func cmdLogger() *zap.Logger {
	return observability.GetLogger()
}
