package core

import (
	"fmt"

	"github.com/wasmerio/wasmer-go/wasmer"
)

// vm_runtime.go drives contract bytecode through wasmer: a module is
// compiled and instantiated per execution, host functions are bound into
// the "env" import namespace against a hostCtx, every host call except
// abi_get_input and abi_set_return consumes gas through the GasMeter, and
// guest linear memory is read and written
// via (ptr, len) pairs.

// GasMeter tracks gas usage against a hard limit, keyed by HostCall.
type GasMeter struct {
	used  uint64
	limit uint64
}

func NewGasMeter(limit uint64) *GasMeter { return &GasMeter{limit: limit} }

func (g *GasMeter) Remaining() uint64 { return g.limit - g.used }

func (g *GasMeter) Consume(call HostCall) error {
	c := GasCost(call)
	if g.used+c > g.limit {
		return fmt.Errorf("%w: out of gas (%d/%d)", ErrRuntime, g.used+c, g.limit)
	}
	g.used += c
	return nil
}

// ExecutionReceipt is what one contract call returns to its caller.
type ExecutionReceipt struct {
	Success    bool
	GasUsed    uint64
	ReturnData []byte
	Error      string
}

// VMRuntime wraps a single wasmer engine shared across executions, held
// for the lifetime of the VM driver rather than recreated per call.
type VMRuntime struct {
	engine *wasmer.Engine
}

// NewVMRuntime builds a runtime with a fresh wasmer engine.
func NewVMRuntime() *VMRuntime {
	return &VMRuntime{engine: wasmer.NewEngine()}
}

// hostCtx is the state every bound host function closes over.
type hostCtx struct {
	mem        *wasmer.Memory
	gas        *GasMeter
	execCtx    *ExecutionContext
	runtime    *VMRuntime
	self       Address
	lastReturn []byte
}

func (h *hostCtx) readMem(ptr, length int32) ([]byte, error) {
	data := h.mem.Data()
	if ptr < 0 || length < 0 || int(ptr)+int(length) > len(data) {
		return nil, fmt.Errorf("%w: guest memory access out of bounds", ErrRuntime)
	}
	out := make([]byte, length)
	copy(out, data[ptr:int(ptr)+int(length)])
	return out, nil
}

func (h *hostCtx) writeMem(ptr int32, value []byte) error {
	data := h.mem.Data()
	if ptr < 0 || int(ptr)+len(value) > len(data) {
		return fmt.Errorf("%w: guest memory write out of bounds", ErrRuntime)
	}
	copy(data[ptr:], value)
	return nil
}

// Run executes bytecode as a smart contract call: ctx must already have its
// current frame set to the callee address. input is passed to the module's
// exported "call" function via the abi_get_input host call.
func (r *VMRuntime) Run(bytecode []byte, ctx *ExecutionContext, input []byte) (*ExecutionReceipt, error) {
	store := wasmer.NewStore(r.engine)
	mod, err := wasmer.NewModule(store, bytecode)
	if err != nil {
		return nil, fmt.Errorf("%w: compile module: %v", ErrRuntime, err)
	}

	gas := NewGasMeter(ctx.MaxGas - ctx.spentGas())
	hctx := &hostCtx{gas: gas, execCtx: ctx, runtime: r, self: ctx.currentFrame().Address}
	imports := r.registerHost(store, hctx, input)

	instance, err := wasmer.NewInstance(mod, imports)
	if err != nil {
		return nil, fmt.Errorf("%w: instantiate module: %v", ErrRuntime, err)
	}

	mem, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return nil, fmt.Errorf("%w: wasm memory export missing", ErrRuntime)
	}
	hctx.mem = mem

	call, err := instance.Exports.GetFunction("call")
	if err != nil {
		return nil, fmt.Errorf("%w: required export \"call\" missing", ErrRuntime)
	}

	_, execErr := call()
	ctx.addSpentGas(gas.used)
	if execErr != nil {
		return &ExecutionReceipt{Success: false, GasUsed: gas.used, Error: execErr.Error()}, nil
	}

	return &ExecutionReceipt{Success: true, GasUsed: gas.used, ReturnData: hctx.lastReturn}, nil
}

// registerHost binds the contract ABI into the "env" import namespace.
func (r *VMRuntime) registerHost(store *wasmer.Store, h *hostCtx, input []byte) *wasmer.ImportObject {
	imports := wasmer.NewImportObject()
	i32 := wasmer.I32
	i64 := wasmer.I64

	getInput := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32), wasmer.NewValueTypes(i32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			outPtr := args[0].I32()
			if err := h.writeMem(outPtr, input); err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			return []wasmer.Value{wasmer.NewI32(int32(len(input)))}, nil
		},
	)

	getData := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32, i32, i32), wasmer.NewValueTypes(i32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := h.gas.Consume(HostGetData); err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			key, err := h.readMem(args[0].I32(), args[1].I32())
			if err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			val, ok := h.execCtx.Ledger.GetDataEntry(h.self, HashBytes(key))
			if !ok {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			if err := h.writeMem(args[2].I32(), val); err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			return []wasmer.Value{wasmer.NewI32(int32(len(val)))}, nil
		},
	)

	hasData := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32, i32), wasmer.NewValueTypes(i32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := h.gas.Consume(HostHasData); err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			key, err := h.readMem(args[0].I32(), args[1].I32())
			if err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			if h.execCtx.Ledger.HasDataEntry(h.self, HashBytes(key)) {
				return []wasmer.Value{wasmer.NewI32(1)}, nil
			}
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		},
	)

	setData := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32, i32, i32, i32), wasmer.NewValueTypes(i32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := h.gas.Consume(HostSetData); err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			if err := h.execCtx.CheckWriteRights(h.self); err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			key, err := h.readMem(args[0].I32(), args[1].I32())
			if err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			val, err := h.readMem(args[2].I32(), args[3].I32())
			if err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			h.execCtx.Ledger.SetDataEntry(h.self, HashBytes(key), val)
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		},
	)

	deleteData := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32, i32), wasmer.NewValueTypes(i32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := h.gas.Consume(HostDeleteData); err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			if err := h.execCtx.CheckWriteRights(h.self); err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			key, err := h.readMem(args[0].I32(), args[1].I32())
			if err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			h.execCtx.Ledger.DeleteDataEntry(h.self, HashBytes(key))
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		},
	)

	getBalance := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(), wasmer.NewValueTypes(i64)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := h.gas.Consume(HostGetBalance); err != nil {
				return []wasmer.Value{wasmer.NewI64(0)}, nil
			}
			bal := h.execCtx.Ledger.GetParallelBalance(h.self)
			return []wasmer.Value{wasmer.NewI64(int64(bal.Raw()))}, nil
		},
	)

	transferCoins := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32, i64), wasmer.NewValueTypes(i32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := h.gas.Consume(HostTransferCoins); err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			if err := h.execCtx.CheckWriteRights(h.self); err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			toRaw, err := h.readMem(args[0].I32(), 32)
			if err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			to, err := AddressFromBytes(toRaw)
			if err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			amount := NewAmount(uint64(args[1].I64()))
			if err := h.execCtx.Ledger.TransferParallelCoins(h.self, to, amount); err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		},
	)

	createSC := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32, i32, i32), wasmer.NewValueTypes(i32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := h.gas.Consume(HostCreateSC); err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			code, err := h.readMem(args[0].I32(), args[1].I32())
			if err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			addr, err := h.execCtx.CreateNewSCAddress(code)
			if err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			if err := h.writeMem(args[2].I32(), addr[:]); err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		},
	)

	callSC := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32, i32, i32, i32, i32), wasmer.NewValueTypes(i32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := h.gas.Consume(HostCallSC); err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			addrRaw, err := h.readMem(args[0].I32(), 32)
			if err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			callee, err := AddressFromBytes(addrRaw)
			if err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			callInput, err := h.readMem(args[1].I32(), args[2].I32())
			if err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			code := h.execCtx.Ledger.GetBytecode(callee)
			if code == nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			h.execCtx.PushFrame(callee, AmountZero)
			receipt, err := h.runtime.Run(code, h.execCtx, callInput)
			h.execCtx.PopFrame()
			if err != nil || receipt == nil || !receipt.Success {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			if err := h.writeMem(args[3].I32(), receipt.ReturnData); err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			return []wasmer.Value{wasmer.NewI32(int32(len(receipt.ReturnData)))}, nil
		},
	)

	getBytecode := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32, i32), wasmer.NewValueTypes(i32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := h.gas.Consume(HostGetBytecode); err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			addrRaw, err := h.readMem(args[0].I32(), 32)
			if err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			addr, err := AddressFromBytes(addrRaw)
			if err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			code := h.execCtx.Ledger.GetBytecode(addr)
			if code == nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			if err := h.writeMem(args[1].I32(), code); err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			return []wasmer.Value{wasmer.NewI32(int32(len(code)))}, nil
		},
	)

	setBytecode := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32, i32), wasmer.NewValueTypes(i32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := h.gas.Consume(HostSetBytecode); err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			if err := h.execCtx.CheckWriteRights(h.self); err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			code, err := h.readMem(args[0].I32(), args[1].I32())
			if err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			h.execCtx.Ledger.SetBytecode(h.self, code)
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		},
	)

	emitEvent := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32, i32), wasmer.NewValueTypes(i32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := h.gas.Consume(HostEmitEvent); err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			data, err := h.readMem(args[0].I32(), args[1].I32())
			if err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			h.execCtx.EmitEvent(data)
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		},
	)

	setReturn := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32, i32), wasmer.NewValueTypes(i32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			data, err := h.readMem(args[0].I32(), args[1].I32())
			if err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			h.lastReturn = data
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		},
	)

	imports.Register("env", map[string]wasmer.IntoExtern{
		"abi_get_input":      getInput,
		"abi_set_return":     setReturn,
		"abi_get_data":       getData,
		"abi_has_data":       hasData,
		"abi_set_data":       setData,
		"abi_delete_data":    deleteData,
		"abi_get_balance":    getBalance,
		"abi_transfer_coins": transferCoins,
		"abi_create_sc":      createSC,
		"abi_call_sc":        callSC,
		"abi_get_bytecode":   getBytecode,
		"abi_set_bytecode":   setBytecode,
		"abi_emit_event":     emitEvent,
	})
	return imports
}
