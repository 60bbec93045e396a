package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/edgekit/offload/protocol"
	"github.com/edgekit/offload/wasm"
)

// Operation is one entry of the compute catalog. Operations are
// registered statically and addressed by name; clients only ever send
// data, never code.
type Operation struct {
	Name string
	Run  func(ctx context.Context, input json.RawMessage) (interface{}, error)
}

// Catalog holds the operations this device is willing to run.
type Catalog struct {
	mu  sync.Mutex
	ops map[string]Operation
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{ops: make(map[string]Operation)}
}

// Register adds an operation, replacing any previous one of that name.
func (c *Catalog) Register(op Operation) error {
	if op.Name == "" {
		return fmt.Errorf("operation needs a name")
	}
	if op.Run == nil {
		return fmt.Errorf("operation %q needs a run function", op.Name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops[op.Name] = op
	return nil
}

// RegisterWasm compiles a wasm module and registers it under name. entry
// is the exported function to invoke, defaulting to "main".
func (c *Catalog) RegisterWasm(name string, wasmBytes []byte, entry string) error {
	module, err := wasm.Compile(wasmBytes, entry)
	if err != nil {
		return fmt.Errorf("register %q: %w", name, err)
	}
	return c.Register(Operation{
		Name: name,
		Run: func(ctx context.Context, input json.RawMessage) (interface{}, error) {
			out, err := module.Execute(input)
			if err != nil {
				return nil, err
			}
			if json.Valid(out) {
				return json.RawMessage(out), nil
			}
			return string(out), nil
		},
	})
}

// Lookup finds an operation by name.
func (c *Catalog) Lookup(name string) (Operation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	op, ok := c.ops[name]
	return op, ok
}

// Names lists registered operations, sorted.
func (c *Catalog) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.ops))
	for name := range c.ops {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ComputeHandler serves COMPUTE jobs from a catalog: one result delivery
// per task.
type ComputeHandler struct {
	catalog *Catalog
	logger  *slog.Logger
}

// NewComputeHandler wraps a catalog in a feature handler.
func NewComputeHandler(catalog *Catalog, logger *slog.Logger) *ComputeHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ComputeHandler{
		catalog: catalog,
		logger:  logger.With("component", "compute"),
	}
}

func (h *ComputeHandler) Features() []string { return []string{protocol.FeatureCompute} }

func (h *ComputeHandler) NeedsPermission() bool { return false }

func (h *ComputeHandler) Start(ctx context.Context, req StartRequest, emit Emitter) error {
	var payload protocol.ComputePayload
	if err := json.Unmarshal(req.Arguments, &payload); err != nil {
		return protocol.WrapError(protocol.ErrCodeExecutionFailed, "bad compute arguments", err)
	}
	op, ok := h.catalog.Lookup(payload.Op)
	if !ok {
		return protocol.ErrOperationUnknown(payload.Op)
	}

	h.logger.Debug("task running", "op", payload.Op)
	result, err := op.Run(ctx, payload.Input)
	if err != nil {
		return protocol.WrapError(protocol.ErrCodeExecutionFailed, "operation failed", err).
			WithContext("op", payload.Op)
	}
	if ctx.Err() != nil {
		return nil // stopped while running; nobody is listening
	}
	emit.Data(protocol.FeatureCompute, result)
	return nil
}

func (h *ComputeHandler) Stop(feature string) {}
