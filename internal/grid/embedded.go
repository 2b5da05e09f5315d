package grid

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"

	"gridsync/internal/config"
)

// Member is a NATS server with JetStream running inside this process.
type Member struct {
	server   *server.Server
	storeDir string
	ownsDir  bool
	logger   *logrus.Logger
}

// StartMember starts a member for cfg. With an empty listen address the
// member accepts in-process connections only.
func StartMember(cfg config.GridConfig, listen string, logger *logrus.Logger) (*Member, error) {
	if cfg.ConnectWait <= 0 {
		cfg.ConnectWait = defaultConnectWait
	}

	opts := &server.Options{
		ServerName: cfg.MemberName,
		JetStream:  true,
		StoreDir:   cfg.StoreDir,
		NoSigs:     true,
		DontListen: listen == "",
	}
	if listen != "" {
		host, port, err := splitListen(listen)
		if err != nil {
			return nil, err
		}
		opts.Host, opts.Port = host, port
	}

	ownsDir := false
	if opts.StoreDir == "" {
		dir, err := os.MkdirTemp("", "gridsync-member-")
		if err != nil {
			return nil, fmt.Errorf("failed to create member store: %w", err)
		}
		opts.StoreDir = dir
		ownsDir = true
	}

	m := &Member{storeDir: opts.StoreDir, ownsDir: ownsDir, logger: logger}

	s, err := server.NewServer(opts)
	if err != nil {
		m.removeStore()
		return nil, fmt.Errorf("failed to create grid member: %w", err)
	}
	s.SetLogger(serverLogger{logger.WithField("component", "grid-member")}, logger.IsLevelEnabled(logrus.DebugLevel), false)
	m.server = s

	go s.Start()
	if !s.ReadyForConnections(cfg.ConnectWait) {
		s.Shutdown()
		m.removeStore()
		return nil, fmt.Errorf("grid member did not become ready within %s", cfg.ConnectWait)
	}
	return m, nil
}

func splitListen(listen string) (string, int, error) {
	host, p, err := net.SplitHostPort(listen)
	if err != nil {
		return "", 0, fmt.Errorf("%w: grid.listen %q: %v", config.ErrMalformedConfig, listen, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, fmt.Errorf("%w: grid.listen port %q", config.ErrMalformedConfig, p)
	}
	return host, port, nil
}

// ClientURL is the member's client address; for an in-process-only member it
// only names the server.
func (m *Member) ClientURL() string {
	return m.server.ClientURL()
}

// Shutdown stops the member and removes a store directory it created.
func (m *Member) Shutdown() error {
	m.server.Shutdown()
	m.server.WaitForShutdown()
	return m.removeStore()
}

func (m *Member) removeStore() error {
	if !m.ownsDir {
		return nil
	}
	if err := os.RemoveAll(m.storeDir); err != nil {
		return fmt.Errorf("failed to remove member store %s: %w", m.storeDir, err)
	}
	return nil
}

// NewEmbedded starts an in-process member and connects to it. Buckets are
// kept in memory and per-entry TTLs are always enabled.
func NewEmbedded(cfg config.GridConfig, logger *logrus.Logger) (*NATSGrid, error) {
	cfg.AllowEntryTTL = true
	cfg.StoreDir = ""

	member, err := StartMember(cfg, "", logger)
	if err != nil {
		return nil, err
	}

	g, err := dial(context.Background(), cfg, config.ModeEmbedded, member.ClientURL(), logger, nats.InProcessServer(member.server))
	if err != nil {
		member.Shutdown()
		return nil, err
	}
	g.member = member
	g.storage = jetstream.MemoryStorage

	logger.Infof("Embedded grid member %s started for cluster '%s'", cfg.MemberName, cfg.ClusterName)
	return g, nil
}

// Serve starts a member listening on cfg.Listen that other instances join in
// nats mode. Maps listed in cfg.Maps are created up front.
func Serve(ctx context.Context, cfg config.GridConfig, logger *logrus.Logger) (*NATSGrid, error) {
	if cfg.Listen == "" {
		return nil, fmt.Errorf("%w: grid.listen is required to serve", config.ErrMalformedConfig)
	}

	member, err := StartMember(cfg, cfg.Listen, logger)
	if err != nil {
		return nil, err
	}
	if member.ownsDir {
		logger.Warnf("grid.store_dir is not set, map data in %s is lost on shutdown", member.storeDir)
	}

	g, err := dial(ctx, cfg, config.ModeNATS, member.ClientURL(), logger, nats.InProcessServer(member.server))
	if err != nil {
		member.Shutdown()
		return nil, err
	}
	g.member = member
	g.storage = jetstream.FileStorage

	for _, mc := range cfg.Maps {
		if _, err := g.Map(ctx, mc.Name); err != nil {
			g.Close()
			return nil, err
		}
	}

	logger.Infof("Grid member %s serving cluster '%s' at %s", cfg.MemberName, cfg.ClusterName, member.ClientURL())
	return g, nil
}

// serverLogger forwards member logs to logrus. Notices are demoted to debug.
type serverLogger struct {
	entry *logrus.Entry
}

func (l serverLogger) Noticef(format string, v ...any) { l.entry.Debugf(format, v...) }
func (l serverLogger) Warnf(format string, v ...any)   { l.entry.Warnf(format, v...) }
func (l serverLogger) Fatalf(format string, v ...any)  { l.entry.Errorf(format, v...) }
func (l serverLogger) Errorf(format string, v ...any)  { l.entry.Errorf(format, v...) }
func (l serverLogger) Debugf(format string, v ...any)  { l.entry.Debugf(format, v...) }
func (l serverLogger) Tracef(format string, v ...any)  { l.entry.Tracef(format, v...) }
