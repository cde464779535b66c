package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/shaunagostinho/leogeo/internal/device"
	"github.com/shaunagostinho/leogeo/internal/export"
	"github.com/shaunagostinho/leogeo/internal/logging"
	"github.com/shaunagostinho/leogeo/internal/protocol"
	"github.com/shaunagostinho/leogeo/internal/server"
	"github.com/shaunagostinho/leogeo/internal/sim"
	"github.com/shaunagostinho/leogeo/web"
)

func main() {
	configPath := flag.String("config", "/etc/leogeo/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Talk to a simulated logger instead of a serial port")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	port := flag.String("port", "", "Serial port to use (e.g. ttyUSB0, COM3)")
	noEnum := flag.Bool("no-enum", false, "Open the port without checking it is enumerated (ptys, socat)")

	listPorts := flag.Bool("list-ports", false, "List serial ports and exit")
	fetch := flag.Bool("fetch", false, "Fetch the stored log and exit")
	unlock := flag.Bool("unlock", false, "Send the unlock command and exit")
	upload := flag.String("upload", "", `Upload waypoints "lat,lon,lat,lon,..." and exit`)
	out := flag.String("out", "", "With -fetch, write CSV here instead of stdout")
	flag.Parse()

	oneShot := *listPorts || *fetch || *unlock || *upload != ""

	boot, _, _ := newLogger(logging.DefaultConfig(), oneShot)
	cfg := server.LoadConfig(*configPath, boot.Named("config"))

	if *demo {
		cfg.Device.Type = "demo"
	}
	if *port != "" {
		cfg.Device.Port = *port
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	log, level, err := newLogger(cfg.LoggingConfig(), oneShot)
	if err != nil {
		boot.Fatal("logger setup failed", zap.Error(err))
	}
	defer log.Sync()

	var (
		opener device.Opener
		lister device.PortLister
	)
	switch cfg.Device.Type {
	case "demo":
		dev := sim.New(sim.DefaultConfig(), device.SystemClock{}, log.Named("sim"))
		opener, lister = dev, dev.Ports
		if cfg.Device.Port == "" {
			cfg.Device.Port = sim.PortName
		}
		log.Info("using simulated logger", zap.String("port", sim.PortName))
	default:
		opener = device.SerialOpener{SkipEnumeration: *noEnum}
		lister = device.ListPorts
	}

	if oneShot {
		code := runOnce(cfg, opener, lister, log, onceArgs{
			listPorts: *listPorts,
			fetch:     *fetch,
			unlock:    *unlock,
			upload:    *upload,
			out:       *out,
		}, os.Stdout, os.Stderr)
		_ = log.Sync()
		os.Exit(code)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := server.New(cfg, opener, lister, web.FS, log.Named("server"))

	if _, err := os.Stat(*configPath); err == nil {
		go func() {
			err := cfg.Watch(ctx, log.Named("config"), func(c *server.Config) {
				level.SetLevel(logging.ParseLevel(c.LoggingConfig().Level))
				srv.ApplyConfig()
			})
			if err != nil {
				log.Warn("config watch stopped", zap.Error(err))
			}
		}()
	}

	if err := srv.Run(ctx); err != nil {
		log.Error("server exited", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

// newLogger builds the process logger. One-shot commands print results on
// stdout, so their console logging goes to stderr.
func newLogger(cfg logging.Config, oneShot bool) (*zap.Logger, zap.AtomicLevel, error) {
	if oneShot {
		return logging.New(cfg, logging.WithConsole(zapcore.Lock(os.Stderr)))
	}
	return logging.New(cfg)
}

type onceArgs struct {
	listPorts bool
	fetch     bool
	unlock    bool
	upload    string
	out       string
}

// runOnce performs the requested actions in order and returns the exit code.
// Results go to stdout and failures to stderr.
func runOnce(cfg *server.Config, opener device.Opener, lister device.PortLister, log *zap.Logger,
	args onceArgs, stdout, stderr io.Writer, opts ...protocol.Option) int {
	fail := func(err error) int {
		fmt.Fprintln(stderr, protocol.Describe(err))
		return 1
	}

	if args.listPorts {
		ports, err := lister()
		if err != nil {
			return fail(err)
		}
		for _, p := range ports {
			fmt.Fprintln(stdout, p)
		}
	}
	if !args.fetch && !args.unlock && args.upload == "" {
		return 0
	}

	port := cfg.DefaultPort()
	if port == "" {
		fmt.Fprintln(stderr, "no port selected: use -port or device.port in the config")
		return 2
	}
	ecfg, err := cfg.Engine()
	if err != nil {
		return fail(err)
	}
	engine := protocol.NewEngine(opener, ecfg, append([]protocol.Option{protocol.WithLogger(log.Named("engine"))}, opts...)...)

	if args.upload != "" {
		coords, err := protocol.DecodeUpload([]byte(args.upload))
		if err != nil {
			return fail(err)
		}
		if err := engine.UploadCoordinates(port, coords); err != nil {
			return fail(err)
		}
		fmt.Fprintf(stdout, "uploaded %d waypoints\n", len(coords))
	}
	if args.unlock {
		if err := engine.SendUnlock(port); err != nil {
			return fail(err)
		}
		fmt.Fprintln(stdout, "unlocked")
	}
	if args.fetch {
		records, err := engine.FetchLogs(port)
		if err != nil {
			return fail(err)
		}
		if args.out == "" {
			if err := export.WriteCSV(stdout, records); err != nil {
				return fail(err)
			}
		} else if err := export.New(cfg.ExportConfig(), log.Named("export")).WriteFile(args.out, records); err != nil {
			return fail(err)
		}
	}
	return 0
}
