package core

import (
	"container/list"
	"fmt"

	"github.com/sirupsen/logrus"
)

// vm_driver.go owns the dedicated execution worker: a single goroutine
// draining a FIFO of VMDriverCommand over a blocking channel read, so
// long-running contract execution never stalls the scheduler's event
// loop.

// VMDriverCommandKind distinguishes the four commands the VM worker accepts.
type VMDriverCommandKind int

const (
	CmdRunFinalStep VMDriverCommandKind = iota
	CmdRunActiveStep
	CmdResetToFinalState
	CmdShutdown
)

// ExecutionStep describes one slot's worth of work for the VM worker: the
// block (if any) active/final at that slot, and whatever execution inputs
// (operations) it carries.
type ExecutionStep struct {
	Slot     Slot
	Block    *Block
	BlockID  *BlockId
	ReadOnly bool
}

// VMDriverCommand is one FIFO entry consumed by the VM worker goroutine.
type VMDriverCommand struct {
	Kind VMDriverCommandKind
	Step ExecutionStep
	// Done, if non-nil, is closed after the command completes, letting the
	// scheduler block on RunFinalStep/RunActiveStep results when needed.
	Done chan error
}

// stepHistoryEntry is one cached active execution, keyed by its step
// identity (slot + optional block id) exactly as step_history tracks it.
type stepHistoryEntry struct {
	slot    Slot
	blockID *BlockId
	changes LedgerChanges
}

// VMDriver is the VM worker: it owns the step history exclusively and is
// the final ledger's single writer.
type VMDriver struct {
	ledger  *FinalLedger
	runtime *VMRuntime
	rolls   *RollManager
	history *list.List // front = most recent active step (stepHistoryEntry)
	cmds    chan VMDriverCommand
	done    chan struct{}

	gasLimit  uint64
	gasPrice  Amount
	rollPrice Amount
}

// NewVMDriver constructs a driver bound to the final ledger it will write
// to and the roll manager RollBuy/RollSell operations settle against.
// rollPrice is the coin cost of one roll, locked on buy and released on
// sell. Run must be called on its own goroutine to begin processing.
func NewVMDriver(ledger *FinalLedger, rolls *RollManager, gasLimit uint64, gasPrice, rollPrice Amount) *VMDriver {
	return &VMDriver{
		ledger:    ledger,
		runtime:   NewVMRuntime(),
		rolls:     rolls,
		history:   list.New(),
		cmds:      make(chan VMDriverCommand, 256),
		done:      make(chan struct{}),
		gasLimit:  gasLimit,
		gasPrice:  gasPrice,
		rollPrice: rollPrice,
	}
}

// Submit enqueues a command for the worker; commands are processed strictly
// in FIFO order.
func (d *VMDriver) Submit(cmd VMDriverCommand) {
	d.cmds <- cmd
}

// Run is the worker loop; call it on its own goroutine.
func (d *VMDriver) Run() {
	defer close(d.done)
	for cmd := range d.cmds {
		var err error
		switch cmd.Kind {
		case CmdRunFinalStep:
			err = d.runFinalStep(cmd.Step)
		case CmdRunActiveStep:
			_, err = d.runActiveStep(cmd.Step)
		case CmdResetToFinalState:
			d.resetToFinal()
		case CmdShutdown:
			if cmd.Done != nil {
				close(cmd.Done)
			}
			return
		}
		if cmd.Done != nil {
			cmd.Done <- err
			close(cmd.Done)
		} else if err != nil {
			logrus.Errorf("vm driver: step at slot %s failed: %v", cmd.Step.Slot, err)
		}
	}
}

// Stop signals the worker to exit after draining queued commands.
func (d *VMDriver) Stop() {
	done := make(chan error)
	d.cmds <- VMDriverCommand{Kind: CmdShutdown, Done: done}
	<-done
}

// isAlreadyDone checks the front of the step history against step's
// identity: a match pops and returns the cached changes; a mismatch clears
// the whole history, since it is only ever linear.
func (d *VMDriver) isAlreadyDone(step ExecutionStep) (LedgerChanges, bool) {
	front := d.history.Front()
	if front == nil {
		return nil, false
	}
	entry := front.Value.(stepHistoryEntry)
	if entry.slot == step.Slot && sameBlockID(entry.blockID, step.BlockID) {
		d.history.Remove(front)
		return entry.changes, true
	}
	d.history.Init()
	return nil, false
}

func sameBlockID(a, b *BlockId) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// runActiveStep executes step against a speculative ledger overlaying the
// final ledger, caching the result at the front of step_history, and
// returns the produced changes.
func (d *VMDriver) runActiveStep(step ExecutionStep) (LedgerChanges, error) {
	if changes, ok := d.isAlreadyDone(step); ok {
		d.history.PushFront(stepHistoryEntry{slot: step.Slot, blockID: step.BlockID, changes: changes})
		return changes, nil
	}

	changes := NewLedgerChanges()

	if step.Block != nil {
		for _, op := range step.Block.Operations {
			// Each operation gets its own overlay seeded with the step's
			// accumulated state: a failing operation is discarded without
			// touching what earlier operations produced, while a succeeding
			// one observes their effects.
			spec := NewSpeculativeLedger(d.ledger)
			spec.ApplyChanges(changes)
			opChanges, err := d.executeOperation(spec, step, op)
			if err != nil {
				opID, idErr := op.ID()
				if idErr != nil {
					logrus.Warnf("vm driver: operation at slot %s failed: %v", step.Slot, err)
				} else {
					logrus.Warnf("vm driver: operation %s at slot %s failed: %v", opID.Short(), step.Slot, err)
				}
				continue
			}
			changes = opChanges
		}
	}

	d.history.PushFront(stepHistoryEntry{slot: step.Slot, blockID: step.BlockID, changes: changes})
	return changes, nil
}

// runFinalStep replays runActiveStep if the step is not already cached,
// then applies the resulting changes to the final ledger.
func (d *VMDriver) runFinalStep(step ExecutionStep) error {
	changes, ok := d.isAlreadyDone(step)
	if !ok {
		var err error
		changes, err = d.runActiveStep(step)
		if err != nil {
			return err
		}
		// runActiveStep just re-pushed this same step to the front; pop it
		// again since a final step consumes the cache entry once applied.
		// A second miss here means the history is inconsistent.
		front := d.history.Front()
		if front == nil {
			return fmt.Errorf("%w: step at %s missing from history after rerun", ErrInconsistency, step.Slot)
		}
		entry := front.Value.(stepHistoryEntry)
		if entry.slot != step.Slot || !sameBlockID(entry.blockID, step.BlockID) {
			return fmt.Errorf("%w: step at %s missing from history after rerun", ErrInconsistency, step.Slot)
		}
		d.history.Remove(front)
	}
	if err := d.ledger.ApplyChangesAtSlot(changes, step.Slot); err != nil {
		return fmt.Errorf("%w: apply final changes at %s: %v", ErrInconsistency, step.Slot, err)
	}
	return nil
}

// resetToFinal clears the step history entirely.
func (d *VMDriver) resetToFinal() {
	d.history.Init()
}

// executeOperation runs one operation's effect and returns the LedgerChanges
// it produced. Transaction and roll operations are pure ledger arithmetic;
// ExecuteSC runs the VM runtime.
func (d *VMDriver) executeOperation(spec *SpeculativeLedger, step ExecutionStep, op *Operation) (LedgerChanges, error) {
	ctx := NewExecutionContext(spec, step.Slot, step.BlockID, false, op.SenderAddress(), d.gasLimit, d.gasPrice)

	if !op.Fee.IsZero() && step.Block != nil {
		creator := NewAddressFromPublicKey(step.Block.Header.Header.CreatorPublicKey)
		if err := spec.TransferParallelCoins(op.SenderAddress(), creator, op.Fee); err != nil {
			return nil, err
		}
	}

	switch payload := op.Payload.(type) {
	case *TransactionPayload:
		if err := spec.TransferParallelCoins(op.SenderAddress(), payload.Recipient, payload.Amount); err != nil {
			return nil, err
		}
	case *ExecuteSCPayload:
		if err := ctx.CheckWriteRights(op.SenderAddress()); err == nil {
			if _, err := d.runtime.Run(payload.Bytecode, ctx, payload.Parameter); err != nil {
				return nil, err
			}
		}
	case *RollBuyPayload:
		sender := op.SenderAddress()
		cost, err := d.rollPrice.MulUint64(payload.RollCount)
		if err != nil {
			return nil, err
		}
		if err := spec.TransferParallelCoins(sender, rollLockAddress, cost); err != nil {
			return nil, err
		}
		d.rolls.BuyRolls(sender, payload.RollCount)
	case *RollSellPayload:
		sender := op.SenderAddress()
		if err := d.rolls.SellRolls(sender, payload.RollCount); err != nil {
			return nil, err
		}
		refund, err := d.rollPrice.MulUint64(payload.RollCount)
		if err != nil {
			return nil, err
		}
		if err := spec.TransferParallelCoins(rollLockAddress, sender, refund); err != nil {
			return nil, err
		}
	}

	return ctx.TakeChanges(), nil
}
