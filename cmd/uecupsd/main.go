// Command uecupsd is the GTP-U user-plane control daemon: it listens
// for the JSON control protocol of spec.md §6 and runs the tunnel
// lifecycle and packet forwarding engine of internal/daemon.
package main

import (
	"flag"
	"fmt"
	stdlog "log"
	"net"
	"os"
	"os/signal"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"golang.org/x/sys/unix"

	"github.com/katalix/uecupsd/internal/config"
	"github.com/katalix/uecupsd/internal/control"
	"github.com/katalix/uecupsd/internal/daemon"
	"github.com/katalix/uecupsd/internal/nlif"
	"github.com/katalix/uecupsd/internal/subprocess"
)

// logLevelOption resolves the effective go-kit log level: the
// -verbose flag always wins (an explicit operator override), and
// otherwise the bootstrap config's daemon.log_level string selects
// among go-kit/log's standard level filters, defaulting to "info" for
// an empty or unrecognised value.
func logLevelOption(verbose bool, configured string) level.Option {
	if verbose {
		return level.AllowDebug()
	}
	switch configured {
	case "debug":
		return level.AllowDebug()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowInfo()
	}
}

type application struct {
	config  *config.Config
	logger  log.Logger
	daemon  *daemon.Daemon
	server  *control.Server
	router  *control.TermRouter
	sigChan chan os.Signal
}

func newApplication(configPath string, verbose bool) (*application, error) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, unix.SIGINT, unix.SIGTERM)

	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %v", err)
	}

	logger := log.NewLogfmtLogger(os.Stderr)
	logger = level.NewFilter(logger, logLevelOption(verbose, cfg.Daemon().LogLevel))

	nl, err := nlif.Dial(func(format string, args ...interface{}) {
		level.Debug(logger).Log("message", fmt.Sprintf(format, args...))
	})
	if err != nil {
		level.Info(logger).Log("message", "netlink unavailable, interface link-up and offload probing disabled", "error", err)
	}

	dp := daemon.NewUserspaceDataPlane(nl)
	d := daemon.New(dp, logger)

	router := control.NewTermRouter()
	procs := subprocess.New(logger, func(netns string) (int, bool) {
		tun, ok := d.FindTunByNamespace(netns)
		if !ok {
			return 0, false
		}
		return tun.NamespaceFD(), true
	}, router.Notify)

	server := control.NewServer(logger, d, procs, router)

	return &application{
		config:  cfg,
		logger:  logger,
		daemon:  d,
		server:  server,
		router:  router,
		sigChan: sigChan,
	}, nil
}

// run preconfigures any tunnels named in the bootstrap config, starts
// the control listener, and blocks until a termination signal arrives.
// Exit codes follow spec.md §6: 0 on clean shutdown, 1 on any other
// init or runtime failure. Exit code 2 is reserved for a
// configuration-file open failure, which is detected earlier in
// newApplication and never reaches run().
func (app *application) run() int {
	defer app.daemon.Close()

	for name, tcfg := range app.config.GetTunnels() {
		_, err := app.daemon.CreateTunnel(daemon.TunnelParams{
			LocalEP:  daemon.SockAddr{Family: daemon.IPv4, IP: net.ParseIP(tcfg.LocalAddr), Port: uint16(tcfg.LocalPort)},
			RemoteEP: daemon.SockAddr{Family: daemon.IPv4, IP: net.ParseIP(tcfg.RemoteAddr), Port: uint16(tcfg.RemotePort)},
			RxTEID:   tcfg.RxTEID,
			TxTEID:   tcfg.TxTEID,
			UserAddr: net.ParseIP(tcfg.UserAddr),
			TunName:  tcfg.TunDevName,
			TunNetns: tcfg.TunNetns,
		})
		if err != nil {
			level.Error(app.logger).Log("message", "failed to preconfigure tunnel", "tunnel_name", name, "error", err)
			return 1
		}
	}

	ln, err := net.Listen("tcp", app.config.Daemon().ListenAddress)
	if err != nil {
		level.Error(app.logger).Log("message", "failed to open control listener", "error", err)
		return 1
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- app.server.Serve(ln) }()

	select {
	case <-app.sigChan:
		level.Info(app.logger).Log("message", "received signal, shutting down")
		ln.Close()
		return 0
	case err := <-serveErr:
		// Not a condition spec.md §6 assigns a dedicated exit code to;
		// treat it as an ordinary init/runtime failure (1), not the
		// config-file-open failure that code 2 is reserved for.
		level.Error(app.logger).Log("message", "control listener failed", "error", err)
		return 1
	}
}

func main() {
	cfgPathPtr := flag.String("config", "/etc/uecupsd/uecupsd.toml", "specify configuration file path")
	verbosePtr := flag.Bool("verbose", false, "toggle verbose log output")
	flag.Parse()

	app, err := newApplication(*cfgPathPtr, *verbosePtr)
	if err != nil {
		// The only way newApplication fails today is a configuration
		// file that can't be loaded, which spec.md §6 assigns exit
		// code 2 specifically (distinct from the general init-failure
		// code 1 used by run()).
		stdlog.Printf("failed to instantiate application: %v", err)
		os.Exit(2)
	}

	os.Exit(app.run())
}
