package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/lximedia/lxiserver/internal/client"
	"github.com/lximedia/lxiserver/internal/config"
	"github.com/lximedia/lxiserver/internal/contentdir"
	"github.com/lximedia/lxiserver/internal/gena"
	"github.com/lximedia/lxiserver/internal/logging"
	"github.com/lximedia/lxiserver/internal/mediadir"
	"github.com/lximedia/lxiserver/internal/server"
	"github.com/lximedia/lxiserver/internal/upnp"
)

const version = "0.1.0"

// shutdownTimeout bounds how long serve waits for open connections.
const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the media server",
	Long: `Run the UPnP media server and publish a directory.

Examples:
  # Publish a directory on the default port
  lxiserver serve --root ~/Music

  # Use another port and device name
  lxiserver serve --root /srv/media --port 8200 --name "Living room"

  # Probe files in a sandbox worker process
  lxiserver serve --root /srv/media --sandbox`,
	RunE: runServe,
}

func init() {
	addServeFlags(serveCmd.Flags())
}

func addServeFlags(fs *pflag.FlagSet) {
	fs.StringP("root", "r", "", "directory to publish")
	fs.IntP("port", "p", 0, "preferred HTTP port")
	fs.StringSlice("bind", nil, "addresses to bind (default all)")
	fs.String("name", "", "friendly device name")
	fs.Bool("sandbox", false, "probe files in a sandbox worker")
	fs.Bool("watch", true, "watch the published directory for changes")
}

// applyServeFlags copies flags the user set onto cfg.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("root") {
		cfg.Content.Root, _ = flags.GetString("root")
	}
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("bind") {
		cfg.Server.BindAddresses, _ = flags.GetStringSlice("bind")
	}
	if flags.Changed("name") {
		cfg.UPnP.FriendlyName, _ = flags.GetString("name")
	}
	if flags.Changed("sandbox") {
		cfg.Sandbox.Enabled, _ = flags.GetBool("sandbox")
	}
	if flags.Changed("watch") {
		cfg.Content.Watch, _ = flags.GetBool("watch")
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	c := *GetConfig()
	applyServeFlags(cmd, &c)
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		c.Logging.Level = "debug"
	}
	if err := c.Validate(); err != nil {
		return err
	}

	logger, closer, err := logging.New(c.Logging)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	ms, err := startMediaServer(&c, logger)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Serving %q on port %d\n", c.DeviceName(), ms.Port())
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl+C to stop")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return ms.Shutdown(shutdownCtx)
}

// mediaServer is a running device with its services.
type mediaServer struct {
	logger    *slog.Logger
	http      *server.Server
	client    *client.Client
	sandbox   *client.SandboxClient
	device    *upnp.MediaServer
	cm        *upnp.ConnectionManager
	registrar *upnp.MediaReceiverRegistrar
	directory *contentdir.Directory
	media     *mediadir.Provider
}

func startMediaServer(cfg *config.Config, logger *slog.Logger) (*mediaServer, error) {
	senderID := server.SenderID(upnp.ProtocolVersion(), "lxiserver", version)
	m := &mediaServer{logger: logger}

	m.http = server.New(
		server.WithLogger(logger),
		server.WithSenderID(senderID),
		server.WithMaxConnections(cfg.Server.MaxConnections),
		server.WithRequestTimeout(cfg.Server.RequestTimeout),
		server.WithMaxHeaderSize(cfg.Server.MaxHeaderSize),
		server.WithMaxBodySize(cfg.Server.MaxBodySize),
		server.WithHooks(server.Hooks{
			Busy: func() { logger.Debug("http server busy") },
			Idle: func() { logger.Debug("http server idle") },
		}),
	)
	m.client = client.New(
		client.WithUserAgent(senderID),
		client.WithLogger(logger),
		client.WithMaxOpenSockets(cfg.Client.MaxOpenSockets),
		client.WithIdleTimeout(cfg.Client.IdleTimeout),
		client.WithRequestTimeout(cfg.Client.RequestTimeout),
		client.WithMaxBodySize(cfg.Server.MaxBodySize),
	)

	serviceOpts := []upnp.Option{
		upnp.WithLogger(logger),
		upnp.WithPermissiveSOAP(cfg.UPnP.PermissiveSOAP),
		upnp.WithEventOptions(
			gena.WithLogger(logger),
			gena.WithClient(m.client),
			gena.WithMinInterval(cfg.UPnP.GENAMinInterval),
		),
	}

	m.device = upnp.NewMediaServer("/", upnp.DeviceInfo{
		FriendlyName:     cfg.DeviceName(),
		Manufacturer:     cfg.UPnP.Manufacturer,
		ModelDescription: "UPnP media server",
		ModelName:        cfg.UPnP.Model,
		ModelNumber:      version,
		SerialNumber:     cfg.UPnP.Serial,
		UDN:              upnp.DeviceUDN(cfg.Server.Name),
	})
	m.cm = upnp.NewConnectionManager("/", serviceOpts...)
	m.registrar = upnp.NewMediaReceiverRegistrar("/", serviceOpts...)
	m.directory = contentdir.NewDirectory("/", contentdir.WithServiceOptions(serviceOpts...))

	m.device.Initialize(m.http, nil)
	m.cm.Initialize(m.http, m.device)
	m.registrar.Initialize(m.http, m.device)
	m.directory.Initialize(m.http, m.device)
	m.cm.SetSourceProtocols(mediadir.Protocols())

	if cfg.Content.Root != "" {
		opts := []mediadir.Option{mediadir.WithLogger(logger)}
		if cfg.Content.Watch {
			opts = append(opts, mediadir.WithWatch(mediadir.DefaultDebounce))
		}
		if cfg.Sandbox.Enabled {
			m.sandbox = client.NewSandbox("probe",
				client.WithSandboxLogger(logger),
				client.WithStopTimeout(cfg.Sandbox.StopTimeout),
				client.WithSandboxHooks(client.SandboxHooks{
					ConsoleLine: func(line string) { logger.Info("sandbox", "line", line) },
				}),
				client.WithClientOptions(
					client.WithLogger(logger),
					client.WithMaxOpenSockets(cfg.Sandbox.MaxOpenSockets),
				),
			)
			opts = append(opts, mediadir.WithSandbox(m.sandbox, cfg.Client.RequestTimeout))
		}

		m.media = mediadir.New(cfg.Content.Root, cfg.Content.Prefix, m.directory, opts...)
		if err := m.media.Initialize(m.http); err != nil {
			m.Shutdown(context.Background())
			return nil, fmt.Errorf("failed to publish %s: %w", cfg.Content.Root, err)
		}
	}

	if err := m.http.Initialize(cfg.Server.BindAddresses, cfg.Server.Port); err != nil {
		m.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return m, nil
}

// Port returns the bound HTTP port.
func (m *mediaServer) Port() int {
	return m.http.Port()
}

// Shutdown stops the services, then the HTTP server.
func (m *mediaServer) Shutdown(ctx context.Context) error {
	m.close()
	err := m.http.Shutdown(ctx)
	m.client.Close()
	return err
}

func (m *mediaServer) close() {
	if m.media != nil {
		if err := m.media.Close(); err != nil {
			m.logger.Warn("close media provider", "error", err)
		}
	}
	if m.sandbox != nil {
		if err := m.sandbox.Close(); err != nil {
			m.logger.Warn("close sandbox", "error", err)
		}
	}
	m.directory.Close()
	m.registrar.Close()
	m.cm.Close()
	m.device.Close()
}
