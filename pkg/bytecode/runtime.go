// Package bytecode executes wasm capability modules under a deny-by-default
// wazero runtime: no filesystem, no network, no ambient authority. The host
// ABI is intentionally small:
//
//	exports:  alloc(size i32) → ptr i32
//	          main(ptr, len i32) → ptr i32   (result: u32 LE length + UTF-8 bytes)
//	imports:  host.call(namePtr, nameLen, inPtr, inLen i32) → ptr i32
//	          host.log(ptr, len i32)
package bytecode

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// HostFuncs are the capabilities the fabric lends to a module. Call re-enters
// the Executor for nested capability calls; Log feeds the structured logger.
type HostFuncs struct {
	Call func(ctx context.Context, name string, input []byte) ([]byte, error)
	Log  func(msg string)
}

// Runtime compiles and runs bytecode capability modules.
type Runtime struct {
	runtime wazero.Runtime
	logger  *slog.Logger
}

// Config bounds module resources.
type Config struct {
	MemoryLimitBytes int64
}

// NewRuntime creates a bytecode runtime. Close releases its resources.
func NewRuntime(ctx context.Context, cfg Config, logger *slog.Logger) *Runtime {
	runtimeCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitBytes > 0 {
		// wazero measures memory in 64KB pages.
		pages := uint32(cfg.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		runtime: wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		logger:  logger.With("component", "bytecode"),
	}
}

// Invoke runs one module's main export against the input payload. The host
// imports are instantiated fresh per invocation so nested calls close over
// the caller's frame.
func (r *Runtime) Invoke(ctx context.Context, moduleBytes, input []byte, host HostFuncs) ([]byte, error) {
	// Host module: capability re-entry and logging, nothing else.
	builder := r.runtime.NewHostModuleBuilder("host")
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, namePtr, nameLen, inPtr, inLen uint32) uint32 {
			name, ok := m.Memory().Read(namePtr, nameLen)
			if !ok {
				panic(fmt.Errorf("host.call: name out of range"))
			}
			in, ok := m.Memory().Read(inPtr, inLen)
			if !ok {
				panic(fmt.Errorf("host.call: input out of range"))
			}
			if host.Call == nil {
				panic(fmt.Errorf("host.call: not available"))
			}
			out, err := host.Call(ctx, string(name), in)
			if err != nil {
				panic(err)
			}
			ptr, err := writeResult(ctx, m, out)
			if err != nil {
				panic(err)
			}
			return ptr
		}).
		Export("call")
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr, length uint32) {
			msg, ok := m.Memory().Read(ptr, length)
			if !ok {
				return
			}
			if host.Log != nil {
				host.Log(string(msg))
			} else {
				r.logger.InfoContext(ctx, "module log", "msg", string(msg))
			}
		}).
		Export("log")

	hostMod, err := builder.Instantiate(ctx)
	if err != nil {
		return nil, fmt.Errorf("bytecode: host instantiation failed: %w", err)
	}
	defer hostMod.Close(ctx)

	compiled, err := r.runtime.CompileModule(ctx, moduleBytes)
	if err != nil {
		return nil, fmt.Errorf("bytecode: compilation failed: %w", err)
	}
	defer compiled.Close(ctx)

	mod, err := r.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, fmt.Errorf("bytecode: instantiation failed: %w", err)
	}
	defer mod.Close(ctx)

	main := mod.ExportedFunction("main")
	if main == nil {
		return nil, fmt.Errorf("bytecode: module exports no main")
	}

	inPtr, err := writeBytes(ctx, mod, input)
	if err != nil {
		return nil, err
	}
	results, err := main.Call(ctx, uint64(inPtr), uint64(len(input)))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("bytecode: main trapped: %w", err)
	}
	if len(results) != 1 {
		return nil, fmt.Errorf("bytecode: main returned %d values", len(results))
	}
	return readResult(mod, uint32(results[0]))
}

// Close shuts down the underlying runtime.
func (r *Runtime) Close(ctx context.Context) error {
	return r.runtime.Close(ctx)
}

// writeBytes allocates guest memory via the module's alloc export and copies
// data into it.
func writeBytes(ctx context.Context, m api.Module, data []byte) (uint32, error) {
	alloc := m.ExportedFunction("alloc")
	if alloc == nil {
		return 0, fmt.Errorf("bytecode: module exports no alloc")
	}
	size := uint64(len(data))
	if size == 0 {
		size = 1
	}
	results, err := alloc.Call(ctx, size)
	if err != nil {
		return 0, fmt.Errorf("bytecode: alloc trapped: %w", err)
	}
	ptr := uint32(results[0])
	if len(data) > 0 && !m.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("bytecode: alloc returned out-of-range pointer")
	}
	return ptr, nil
}

// writeResult stores a length-prefixed payload in guest memory.
func writeResult(ctx context.Context, m api.Module, data []byte) (uint32, error) {
	buf := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	return writeBytes(ctx, m, buf)
}

// readResult decodes a length-prefixed payload from guest memory.
func readResult(m api.Module, ptr uint32) ([]byte, error) {
	header, ok := m.Memory().Read(ptr, 4)
	if !ok {
		return nil, fmt.Errorf("bytecode: result pointer out of range")
	}
	length := binary.LittleEndian.Uint32(header)
	data, ok := m.Memory().Read(ptr+4, length)
	if !ok {
		return nil, fmt.Errorf("bytecode: result length out of range")
	}
	out := make([]byte, length)
	copy(out, data)
	return out, nil
}
