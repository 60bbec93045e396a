package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/edgekit/offload/internal/discovery"
	"github.com/edgekit/offload/internal/identity"
	"github.com/edgekit/offload/worker"
)

func main() {
	var (
		registryAddr = flag.String("registry", "", "registry address to join (e.g. https://host:5443)")
		name         = flag.String("name", defaultName(), "device name announced to clients")
		identityPath = flag.String("identity", defaultIdentityPath(), "path of the persisted device identity")
		announce     = flag.Bool("announce", false, "stay dormant and wait to be discovered and woken over mDNS")
		confirm      = flag.Bool("confirm", false, "ask on this terminal before granting camera or mic access")
		wasmPath     = flag.String("wasm", "", "wasm module to register as a compute operation")
		wasmOp       = flag.String("wasm-op", "", "operation name for the wasm module (defaults to the file name)")
		logLevel     = flag.String("log-level", "info", "log level: debug, info, warn, error")
	)
	flag.Parse()

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	if *registryAddr == "" && !*announce {
		fmt.Fprintln(os.Stderr, "either -registry or -announce is required")
		flag.Usage()
		os.Exit(2)
	}

	id, err := identity.LoadOrCreate(*identityPath, *name)
	if err != nil {
		logger.Error("identity setup failed", "error", err)
		os.Exit(1)
	}
	logger.Info("device identity", "id", id.ID, "name", id.Name)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	node := buildNode(id, *confirm, *wasmPath, *wasmOp, logger)
	node.OnForceQuit(stop)
	defer node.Close()

	if *announce {
		ann, err := discovery.Announce(id.ID, id.Name, node.Features(), func(signalURL string) {
			if err := node.Connect(ctx, signalURL); err != nil {
				logger.Error("wake connect failed", "url", signalURL, "error", err)
			}
		}, logger)
		if err != nil {
			logger.Error("announce failed", "error", err)
			os.Exit(1)
		}
		defer ann.Close()
		logger.Info("dormant, waiting to be woken", "features", node.Features())
	}

	if *registryAddr != "" {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := node.Connect(dialCtx, *registryAddr)
		cancel()
		if err != nil {
			logger.Error("registry connect failed", "registry", *registryAddr, "error", err)
			os.Exit(1)
		}
	}

	<-ctx.Done()
	logger.Info("worker stopping")
}

func buildNode(id *identity.DeviceIdentity, confirm bool, wasmPath, wasmOp string, logger *slog.Logger) *worker.Node {
	var opts []worker.NodeOption
	var prompter *terminalPrompter
	if confirm {
		prompter = &terminalPrompter{logger: logger}
		opts = append(opts, worker.WithPrompter(prompter))
	}
	node := worker.NewNode(id.ID, id.Name, worker.DefaultConfig(), logger, opts...)
	if prompter != nil {
		prompter.node = node
	}

	catalog := builtinCatalog()
	if wasmPath != "" {
		data, err := os.ReadFile(wasmPath)
		if err != nil {
			logger.Error("wasm module unreadable", "path", wasmPath, "error", err)
			os.Exit(1)
		}
		op := wasmOp
		if op == "" {
			op = strings.TrimSuffix(filepath.Base(wasmPath), filepath.Ext(wasmPath))
		}
		if err := catalog.RegisterWasm(op, data, "main"); err != nil {
			logger.Error("wasm registration failed", "op", op, "error", err)
			os.Exit(1)
		}
		logger.Info("wasm operation registered", "op", op)
	}

	node.RegisterHandler(worker.NewComputeHandler(catalog, logger))
	node.RegisterHandler(worker.NewSensorHandler(0, nil, logger))
	node.RegisterHandler(worker.NewMediaHandler(worker.NewSyntheticFrames(0), nil, logger))
	return node
}

// builtinCatalog registers the operations every worker offers out of the
// box.
func builtinCatalog() *worker.Catalog {
	catalog := worker.NewCatalog()
	catalog.Register(worker.Operation{
		Name: "echo",
		Run: func(ctx context.Context, input json.RawMessage) (interface{}, error) {
			return input, nil
		},
	})
	catalog.Register(worker.Operation{
		Name: "sum",
		Run: func(ctx context.Context, input json.RawMessage) (interface{}, error) {
			var values []float64
			if err := json.Unmarshal(input, &values); err != nil {
				return nil, fmt.Errorf("sum wants a number array: %w", err)
			}
			total := 0.0
			for _, v := range values {
				total += v
			}
			return map[string]float64{"result": total}, nil
		},
	})
	return catalog
}

// terminalPrompter asks for permission on stdin. The answer is fed back
// through the node's confirmation path, same as a UI dialog would.
type terminalPrompter struct {
	logger *slog.Logger
	node   *worker.Node
}

func (p *terminalPrompter) Prompt(id int64, clientName, feature string) {
	go func() {
		fmt.Printf("Allow %q to use %s? [y/N] ", clientName, feature)
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			p.logger.Warn("confirmation read failed, denying", "error", err)
		}
		allowed := err == nil && strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "y")
		p.node.OnConfirmationResult(id, allowed)
	}()
}

func defaultName() string {
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "offload-worker"
}

func defaultIdentityPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "offload-identity.json"
	}
	return filepath.Join(home, ".offload", "identity.json")
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
