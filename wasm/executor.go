// Package wasm executes compute operations backed by WebAssembly modules.
// Modules are compiled once at registration time and instantiated per
// task, so tasks never share instance state.
package wasm

import (
	"fmt"

	"github.com/wasmerio/wasmer-go/wasmer"
)

// Module is a compiled wasm program behind a catalog operation.
type Module struct {
	store  *wasmer.Store
	module *wasmer.Module
	entry  string
}

// Compile compiles wasm bytes. entry names the exported function invoked
// per task; empty means "main".
func Compile(wasmBytes []byte, entry string) (*Module, error) {
	if entry == "" {
		entry = "main"
	}
	engine := wasmer.NewEngine()
	store := wasmer.NewStore(engine)
	module, err := wasmer.NewModule(store, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compile wasm module: %w", err)
	}
	return &Module{store: store, module: module, entry: entry}, nil
}

// Execute instantiates the module and runs its entry function on input.
func (m *Module) Execute(input []byte) ([]byte, error) {
	instance, err := wasmer.NewInstance(m.module, wasmer.NewImportObject())
	if err != nil {
		return nil, fmt.Errorf("instantiate wasm module: %w", err)
	}
	defer instance.Close()

	fn, err := instance.Exports.GetFunction(m.entry)
	if err != nil {
		return nil, fmt.Errorf("entry %q not exported: %w", m.entry, err)
	}
	result, err := fn(input)
	if err != nil {
		return nil, err
	}
	if bytes, ok := result.([]byte); ok {
		return bytes, nil
	}
	if result == nil {
		return nil, nil
	}
	return []byte(fmt.Sprintf("%v", result)), nil
}

// Execute compiles and runs a module in one shot.
func Execute(wasmBytes, input []byte) ([]byte, error) {
	module, err := Compile(wasmBytes, "")
	if err != nil {
		return nil, err
	}
	return module.Execute(input)
}
