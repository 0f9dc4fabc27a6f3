// Command pipectl talks to a piper device from the host side: it sends
// packets on a pipe, reads and writes device registers, and watches
// interrupt notifications.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/banshee-data/piper/internal/config"
	"github.com/banshee-data/piper/internal/monitoring"
	"github.com/banshee-data/piper/internal/registers"
	"github.com/banshee-data/piper/internal/serialmux"
	"github.com/banshee-data/piper/internal/version"
)

var (
	configPath  = flag.String("config", "", "JSON config file (port, tcp and serial settings)")
	portPath    = flag.String("port", "", "Serial device, e.g. /dev/ttyACM0")
	tcpAddr     = flag.String("tcp", "", "Dial a piperd TCP transport instead of a serial port")
	simulate    = flag.Bool("simulate", false, "Talk to an in-process simulated device")
	pipe        = flag.Int("pipe", -1, "Pipe to send -hex on")
	hexPayload  = flag.String("hex", "", "Payload as hex, e.g. \"21 01\"")
	wait        = flag.Duration("wait", 0, "Wait this long for a reply on -pipe (0 sends without waiting)")
	readIO8     = flag.String("read-io8", "", "Read an 8-bit IO register, e.g. 0x05")
	writeIO8    = flag.String("write-io8", "", "Write an 8-bit IO register, e.g. 0x05=0xFF")
	enableIRQ   = flag.Int("enable-interrupt", -1, "Enable notifications for an interrupt index")
	watch       = flag.Bool("watch", false, "Print interrupt notifications until interrupted")
	listen      = flag.String("listen", "", "Serve the mux admin pages (send-packet, tail) until interrupted")
	verbose     = flag.Bool("v", false, "Log per-frame diagnostics")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

const defaultTimeout = 2 * time.Second

// hostMux is a PipeMux over any transport.
type hostMux interface {
	serialmux.PipeMuxInterface
	AttachAdminRoutes(mux *http.ServeMux)
}

// actions is what one invocation asks for, in the order it is carried out.
type actions struct {
	writeIO8  string
	readIO8   string
	enableIRQ int
	pipe      int
	hex       string
	wait      time.Duration
	watch     bool
}

func (a actions) empty() bool {
	return a.writeIO8 == "" && a.readIO8 == "" && a.enableIRQ < 0 && a.pipe < 0 && !a.watch
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("pipectl", version.String())
		return
	}
	monitoring.SetVerbose(*verbose)

	cfg := &config.Config{}
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("config: %v", err)
		}
	}
	if *portPath != "" {
		cfg.Port = portPath
	}
	if *tcpAddr != "" {
		cfg.TCP = tcpAddr
	}

	act := actions{
		writeIO8:  *writeIO8,
		readIO8:   *readIO8,
		enableIRQ: *enableIRQ,
		pipe:      *pipe,
		hex:       *hexPayload,
		wait:      *wait,
		watch:     *watch,
	}
	if act.empty() && *listen == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mux, closeMux, err := openMux(ctx, cfg, *simulate)
	if err != nil {
		log.Fatalf("failed to open transport: %v", err)
	}
	defer closeMux()

	if err := execute(ctx, mux, act, os.Stdout); err != nil {
		log.Fatal(err)
	}

	if *listen != "" {
		httpMux := http.NewServeMux()
		mux.AttachAdminRoutes(httpMux)
		server := &http.Server{Addr: *listen, Handler: httpMux}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			server.Shutdown(shutdownCtx)
		}()
		log.Printf("mux admin listening on %s", *listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}
}

// openMux connects to the device and starts routing its frames. The returned
// func stops routing and closes the transport.
func openMux(ctx context.Context, cfg *config.Config, simulate bool) (hostMux, func() error, error) {
	if simulate {
		sim := serialmux.NewSimulator()
		if _, _, err := registers.Register(sim.Engine); err != nil {
			return nil, nil, err
		}
		sim.Start(ctx)
		return sim.Mux, sim.Close, nil
	}

	var (
		mux hostMux
		err error
	)
	switch {
	case cfg.GetPort() != "":
		mux, err = serialmux.NewRealPipeMux(cfg.GetPort(), cfg.PortOptions())
	case cfg.GetTCP() != "":
		mux, err = serialmux.DialPipeMux(ctx, cfg.GetTCP())
	default:
		err = errors.New("one of -port, -tcp or -simulate is required")
	}
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := mux.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("monitor: %v", err)
		}
	}()
	return mux, func() error {
		cancel()
		err := mux.Close()
		<-done
		return err
	}, nil
}

func execute(ctx context.Context, mux serialmux.PipeMuxInterface, act actions, out io.Writer) error {
	client := registers.NewClient(mux)

	if act.writeIO8 != "" {
		addrStr, valStr, ok := strings.Cut(act.writeIO8, "=")
		if !ok {
			return fmt.Errorf("-write-io8 wants ADDR=VALUE, got %q", act.writeIO8)
		}
		addr, err := parseByte(addrStr)
		if err != nil {
			return err
		}
		val, err := parseByte(valStr)
		if err != nil {
			return err
		}
		if err := client.WriteIO8(addr, val); err != nil {
			return err
		}
	}

	if act.readIO8 != "" {
		addr, err := parseByte(act.readIO8)
		if err != nil {
			return err
		}
		rctx, cancel := context.WithTimeout(ctx, timeoutOr(act.wait))
		v, err := client.ReadIO8(rctx, addr)
		cancel()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "io8[0x%02X] = 0x%02X\n", addr, v)
	}

	if act.enableIRQ >= 0 {
		if act.enableIRQ > 0xFF {
			return fmt.Errorf("interrupt index out of range: %d", act.enableIRQ)
		}
		if err := client.SetInterrupt(byte(act.enableIRQ), true); err != nil {
			return err
		}
	}

	if act.pipe >= 0 {
		pipeID, payload, err := serialmux.ParsePacketForm(strconv.Itoa(act.pipe), act.hex)
		if err != nil {
			return err
		}
		if act.wait <= 0 {
			if err := mux.SendPacket(pipeID, payload); err != nil {
				return err
			}
		} else {
			rctx, cancel := context.WithTimeout(ctx, act.wait)
			reply, err := mux.Request(rctx, pipeID, payload)
			cancel()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "pipe %d: % x\n", reply.PipeID, reply.Payload)
		}
	}

	if act.watch {
		err := client.WatchInterrupts(ctx, func(index byte) {
			fmt.Fprintf(out, "interrupt %d\n", index)
		})
		if !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

func parseByte(s string) (byte, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid byte %q: %w", s, err)
	}
	return byte(v), nil
}

func timeoutOr(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultTimeout
	}
	return d
}
