package grid

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"gridsync/internal/config"
)

// Connect returns a grid for cfg.Mode. A remote mode that cannot be reached
// falls back to an embedded member exactly once; only when that also fails
// does Connect return ErrTransportUnavailable.
func Connect(ctx context.Context, cfg config.GridConfig, logger *logrus.Logger) (Grid, error) {
	if !cfg.IsRemote() {
		logger.Info("Initializing grid in embedded mode (local member)...")
		g, err := NewEmbedded(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
		}
		return g, nil
	}

	logger.Infof("Initializing grid in client mode (%s at %s)...", cfg.Mode, cfg.Address)
	g, err := connectRemote(ctx, cfg, logger)
	if err == nil {
		return g, nil
	}

	logger.Warnf("Failed to initialize %s grid, falling back to embedded mode: %v", cfg.Mode, err)
	embedded, fallbackErr := NewEmbedded(cfg, logger)
	if fallbackErr != nil {
		return nil, fmt.Errorf("%w: remote: %v; embedded: %v", ErrTransportUnavailable, err, fallbackErr)
	}
	logger.Info("Grid running in embedded fallback mode")
	return embedded, nil
}

func connectRemote(ctx context.Context, cfg config.GridConfig, logger *logrus.Logger) (Grid, error) {
	switch cfg.Mode {
	case config.ModeNATS:
		return NewNATSGrid(ctx, cfg, logger)
	case config.ModeRedis:
		return NewRedisGrid(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("%w: unknown grid mode %q", config.ErrMalformedConfig, cfg.Mode)
	}
}
