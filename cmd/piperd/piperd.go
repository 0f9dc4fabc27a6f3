// Command piperd runs a piper engine on a serial port or a TCP connection and
// serves the register and interrupt pipes on it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/piper/internal/api"
	"github.com/banshee-data/piper/internal/config"
	"github.com/banshee-data/piper/internal/db"
	"github.com/banshee-data/piper/internal/monitoring"
	"github.com/banshee-data/piper/internal/piper"
	"github.com/banshee-data/piper/internal/registers"
	"github.com/banshee-data/piper/internal/serialmux"
	"github.com/banshee-data/piper/internal/version"
)

var (
	configPath  = flag.String("config", "", "JSON config file")
	portPath    = flag.String("port", "", "Serial device to serve, e.g. /dev/ttyACM0")
	tcpAddr     = flag.String("tcp", "", "Serve the first TCP connection accepted on this address instead of a serial port")
	listen      = flag.String("listen", "", "Admin HTTP listen address (empty disables)")
	dbPath      = flag.String("db", "", "Frame journal database (empty disables)")
	verbose     = flag.Bool("v", false, "Log per-frame diagnostics")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

const pruneInterval = 10 * time.Minute

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("piperd", version.String())
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if args := flag.Args(); len(args) > 0 && args[0] == "migrate" {
		if cfg.GetDB() == "" {
			log.Fatal("migrate needs -db or a config file with db set")
		}
		if err := db.RunMigrateCommand(os.Stdout, args[1:], cfg.GetDB()); err != nil {
			log.Fatal(err)
		}
		return
	}

	monitoring.SetVerbose(cfg.GetVerbose())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rw, transport, err := openTransport(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to open transport: %v", err)
	}
	log.Printf("serving piper on %s", transport)

	if err := run(ctx, cfg, rw, transport); err != nil {
		log.Fatalf("piperd: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}

// loadConfig reads -config, if given, and applies explicitly set flags on
// top of it.
func loadConfig() (*config.Config, error) {
	cfg := &config.Config{}
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return nil, err
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = portPath
		case "tcp":
			cfg.TCP = tcpAddr
		case "listen":
			cfg.Listen = listen
		case "db":
			cfg.DB = dbPath
		case "v":
			cfg.Verbose = verbose
		}
	})
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openTransport(ctx context.Context, cfg *config.Config) (io.ReadWriteCloser, string, error) {
	switch {
	case cfg.GetPort() != "":
		opts := cfg.PortOptions()
		port, err := serialmux.RealPortFactory.Open(cfg.GetPort(), opts)
		if err != nil {
			return nil, "", err
		}
		return port, fmt.Sprintf("serial %s %s", cfg.GetPort(), opts), nil
	case cfg.GetTCP() != "":
		conn, err := acceptOne(ctx, cfg.GetTCP())
		if err != nil {
			return nil, "", err
		}
		return conn, "tcp " + conn.RemoteAddr().String(), nil
	default:
		return nil, "", errors.New("one of -port or -tcp is required")
	}
}

// acceptOne listens on addr until a single connection arrives. The engine
// serves exactly one peer, like a serial line.
func acceptOne(ctx context.Context, addr string) (net.Conn, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	defer ln.Close()
	log.Printf("waiting for a connection on %s", ln.Addr())

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-done:
		}
	}()

	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return conn, nil
}

// run serves the engine over rw until ctx ends or the transport fails. It
// closes rw before returning.
func run(ctx context.Context, cfg *config.Config, rw io.ReadWriteCloser, transport string) error {
	closeTransport := sync.OnceFunc(func() { rw.Close() })
	defer closeTransport()

	opts := cfg.EngineOptions()
	opts = append(opts, piper.WithFramingErrorFunc(func(fe piper.FramingError) {
		monitoring.Debugf("%v (premature begin: %v)", fe, fe.PrematureBegin)
	}))

	var database *db.DB
	if path := cfg.GetDB(); path != "" {
		var err error
		if database, err = db.NewDB(path); err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer database.Close()

		journal, err := database.StartSession(transport)
		if err != nil {
			return err
		}
		defer journal.Close()
		log.Printf("journalling frames to %s (session %s)", path, journal.SessionID())
		opts = append(opts, piper.WithRecorder(journal))
	}

	engine := piper.NewEngine(piper.NewStream(rw), opts...)
	_, interrupts, err := registers.Register(engine)
	if err != nil {
		return fmt.Errorf("failed to register pipes: %w", err)
	}

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg        sync.WaitGroup
		engineErr error
	)

	// the engine loop; its end, for any reason, ends the daemon
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		engineErr = engine.Start(ctx)
		log.Print("engine routine terminated")
	}()

	if addr := cfg.GetListen(); addr != "" {
		srv := api.NewServer(engine, database, interrupts)
		srv.NamePipe(registers.RegisterPipe, "registers")
		srv.NamePipe(registers.InterruptPipe, "interrupts")

		mux := http.NewServeMux()
		if err := srv.AttachAdminRoutes(mux); err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveHTTP(ctx, addr, api.LoggingMiddleware(mux))
		}()
	}

	if retention := cfg.GetJournalRetention(); database != nil && retention > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pruneJournal(ctx, database, retention)
		}()
	}

	<-ctx.Done()
	engine.Stop()
	// unblocks a read when the poll interval is disabled
	closeTransport()
	wg.Wait()

	// once shutdown was requested the engine may trip over the closed transport
	if parent.Err() != nil || errors.Is(engineErr, context.Canceled) {
		return nil
	}
	return engineErr
}

func serveHTTP(ctx context.Context, addr string, h http.Handler) {
	server := &http.Server{
		Addr:    addr,
		Handler: h,
	}

	go func() {
		log.Printf("admin HTTP listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	log.Printf("HTTP server routine stopped")
}

func pruneJournal(ctx context.Context, database *db.DB, retention time.Duration) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := database.PruneBefore(now.Add(-retention))
			if err != nil {
				log.Printf("failed to prune journal: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("pruned %d journalled frames older than %s", n, retention)
			}
		}
	}
}
