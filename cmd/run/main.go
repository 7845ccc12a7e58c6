package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/wippyai/wasm-boot/config"
	"github.com/wippyai/wasm-boot/engine"
	"github.com/wippyai/wasm-boot/entry"
	"github.com/wippyai/wasm-boot/gate"
	"github.com/wippyai/wasm-boot/host"
	"github.com/wippyai/wasm-boot/meminit"
	"github.com/wippyai/wasm-boot/runtime"
	"github.com/wippyai/wasm-boot/startup"
	"github.com/wippyai/wasm-boot/worker"
)

func main() {
	var (
		configFile  = flag.String("config", "", "Path to a TOML config file")
		wasmFile    = flag.String("wasm", "", "Path or URL of the main module")
		memInit     = flag.String("mem", "", "Memory initializer locator or data: URI")
		memBase     = flag.Uint("mem-base", 0, "Offset the memory initializer is written at")
		libs        = flag.String("lib", "", "Side modules to link (comma-separated)")
		workerMode  = flag.Bool("worker", false, "Run as a worker: read CBOR messages on stdin, write responses on stdout")
		proxy       = flag.Bool("proxy", false, "Call the proxy-main stub instead of main")
		noRun       = flag.Bool("no-run", false, "Initialize without calling the entry point")
		assertions  = flag.Bool("assert", false, "Enable runtime assertions")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		list        = flag.Bool("list", false, "List exports and unresolved imports and exit")
		interactive = flag.Bool("i", false, "Interactive worker console")
	)
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Flags override file and environment.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "wasm":
			cfg.Module = *wasmFile
		case "mem":
			cfg.MemoryInit = *memInit
		case "mem-base":
			cfg.MemoryBase = uint32(*memBase)
		case "lib":
			cfg.Libraries = splitList(*libs)
		case "worker":
			if *workerMode {
				cfg.Mode = config.ModeWorker
			} else {
				cfg.Mode = config.ModePrimary
			}
		case "proxy":
			cfg.Proxy = *proxy
		case "no-run":
			cfg.NoInitialRun = *noRun
		case "assert":
			cfg.Assertions = *assertions
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})
	if args := flag.Args(); len(args) > 0 {
		cfg.Args = args
	}
	if *interactive {
		cfg.Mode = config.ModeWorker
	}

	if cfg.Module == "" {
		fmt.Fprintln(os.Stderr, "Usage: run -wasm <file.wasm> [-mem file.mem] [-lib a.wasm,b.wasm] [args...]")
		fmt.Fprintln(os.Stderr, "       run -wasm <file.wasm> -list")
		fmt.Fprintln(os.Stderr, "       run -wasm <file.wasm> -worker  (CBOR messages on stdin)")
		fmt.Fprintln(os.Stderr, "       run -wasm <file.wasm> -i       (interactive worker console)")
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg, *interactive)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	setPackageLoggers(logger)

	if *interactive {
		if err := runInteractive(cfg, logger); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	code, err := run(cfg, logger, *list)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(code)
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func newLogger(cfg config.Config, quiet bool) (*zap.Logger, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	if quiet {
		// The console owns the terminal.
		return zap.NewNop(), nil
	}
	var zcfg zap.Config
	if cfg.LogFormat == "json" {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.DisableStacktrace = true
		if term.IsTerminal(int(os.Stderr.Fd())) {
			zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.OutputPaths = []string{"stderr"}
	return zcfg.Build()
}

func setPackageLoggers(l *zap.Logger) {
	engine.SetLogger(l.Named("engine"))
	entry.SetLogger(l.Named("entry"))
	gate.SetLogger(l.Named("gate"))
	host.SetLogger(l.Named("host"))
	meminit.SetLogger(l.Named("meminit"))
	startup.SetLogger(l.Named("startup"))
	worker.SetLogger(l.Named("worker"))
	runtime.SetLogger(l)
}

func newFetcher(cfg config.Config, logger *zap.Logger) host.Fetcher {
	client := &http.Client{Timeout: cfg.FetchTimeout}
	mux := host.NewMux(client, cfg.Root)
	web := &host.HTTPFetcher{Client: client, Logger: logger, MaxBody: cfg.MaxBody}
	mux.Handle("http", web)
	mux.Handle("https", web)
	return mux
}

func newRuntime(ctx context.Context, cfg config.Config, logger *zap.Logger) (*runtime.Runtime, error) {
	return runtime.New(ctx, &runtime.Config{
		Logger:           logger,
		Fetcher:          newFetcher(cfg, logger),
		Root:             cfg.Root,
		MemoryLimitPages: cfg.MemoryLimitPages,
	})
}

func instanceOptions(cfg config.Config) runtime.Options {
	return runtime.Options{
		MemoryInit: meminit.Config{
			Source: cfg.MemoryInit,
			Base:   cfg.MemoryBase,
		},
		NoInitialRun:      cfg.NoInitialRun,
		Mode:              cfg.StartupMode(),
		Proxy:             cfg.Proxy,
		Libraries:         cfg.Libraries,
		Assertions:        cfg.Assertions,
		Stdin:             os.Stdin,
		Stdout:            os.Stdout,
		Stderr:            os.Stderr,
		AsyncifyStackSize: cfg.AsyncifyStackSize,
	}
}

func run(cfg config.Config, logger *zap.Logger, listOnly bool) (int, error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return 1, fmt.Errorf("create runtime: %w", err)
	}
	defer rt.Close(context.Background())

	mod, err := rt.LoadFile(ctx, cfg.Module)
	if err != nil {
		return 1, fmt.Errorf("load module: %w", err)
	}

	if listOnly {
		return 0, listModule(ctx, os.Stdout, mod)
	}

	opts := instanceOptions(cfg)
	if term.IsTerminal(int(os.Stderr.Fd())) {
		opts.SetStatus = func(status string) {
			if status != "" {
				fmt.Fprintf(os.Stderr, "%s\r", status)
			}
		}
	}

	if cfg.Mode == config.ModeWorker {
		return 0, runWorker(ctx, mod, opts, os.Stdin, os.Stdout, logger)
	}

	inst, err := mod.Instantiate(ctx, opts)
	if err != nil {
		return 1, fmt.Errorf("instantiate: %w", err)
	}
	defer inst.Close(context.Background())

	if err := inst.Start(ctx, cfg.Args); err != nil {
		return 1, err
	}
	return inst.Wait(ctx)
}

func listModule(ctx context.Context, w io.Writer, mod *runtime.Module) error {
	fmt.Fprintf(w, "Exports:\n")
	for _, e := range mod.Exports() {
		fmt.Fprintf(w, "  %s\n", e.Name)
	}
	missing, err := mod.MissingImports(ctx)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		fmt.Fprintf(w, "\nUnresolved imports:\n")
		for _, name := range missing {
			fmt.Fprintf(w, "  %s\n", name)
		}
	}
	return nil
}

type decoded struct {
	msg *worker.Message
	err error
}

// decodeMessages reads messages until in fails. Reads from in cannot be
// interrupted, so the goroutine outlives a cancelled worker.
func decodeMessages(in io.Reader) <-chan decoded {
	ch := make(chan decoded)
	go func() {
		defer close(ch)
		dec := worker.NewDecoder(in)
		for {
			msg, err := dec.Decode()
			ch <- decoded{msg: msg, err: err}
			if err != nil {
				return
			}
		}
	}()
	return ch
}

// runWorker pumps CBOR messages from in to the instance and writes its
// responses to out until in is exhausted.
func runWorker(ctx context.Context, mod *runtime.Module, opts runtime.Options, in io.Reader, out io.Writer, logger *zap.Logger) error {
	enc := worker.NewEncoder(out)
	var mu sync.Mutex
	opts.Responder = worker.ResponderFunc(func(_ context.Context, r worker.Response) error {
		mu.Lock()
		defer mu.Unlock()
		return enc.EncodeResponse(&r)
	})
	// Guest stdout would interleave with the response stream.
	opts.Stdout = opts.Stderr

	inst, err := mod.Instantiate(ctx, opts)
	if err != nil {
		return fmt.Errorf("instantiate: %w", err)
	}
	defer inst.Close(context.Background())

	if err := inst.Start(ctx, nil); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := inst.Wait(gctx)
		return err
	})
	g.Go(func() error {
		messages := decodeMessages(in)
		for {
			var d decoded
			select {
			case d = <-messages:
			case <-gctx.Done():
				return nil
			}
			if stderrors.Is(d.err, io.EOF) {
				return nil
			}
			if d.err != nil {
				return fmt.Errorf("decode message: %w", d.err)
			}
			if err := inst.Post(gctx, *d.msg); err != nil {
				if gctx.Err() != nil {
					return err
				}
				logger.Warn("worker message failed",
					zap.String("func", d.msg.FunctionName),
					zap.Int64("callback_id", d.msg.CallbackID),
					zap.Error(err))
			}
		}
	})
	return g.Wait()
}
