package vmm

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"obos/defs"
)

// ClassifyAccess decodes the x86 instruction at the head of code and
// reports which access it would have made to its memory operand, for
// use by a fault-handling test harness (or, on real hardware, the
// decode-on-demand path some page-fault handlers use when the
// faulting architecture doesn't hand the access kind to the handler
// directly). mode is 32 or 64, matching x86asm.Decode's own parameter.
func ClassifyAccess(code []byte, mode int) (defs.Cause, error) {
	inst, err := x86asm.Decode(code, mode)
	if err != nil {
		return 0, fmt.Errorf("vmm: decode instruction: %w", err)
	}
	for _, arg := range inst.Args {
		if arg == nil {
			continue
		}
		if _, isMem := arg.(x86asm.Mem); isMem {
			switch inst.Op {
			case x86asm.MOV, x86asm.MOVZX, x86asm.MOVSX, x86asm.CMP, x86asm.TEST:
				if isStoreForm(inst) {
					return defs.CauseWrite, nil
				}
				return defs.CauseRead, nil
			default:
				return defs.CauseWrite, nil
			}
		}
	}
	return defs.CauseExecute, nil
}

// isStoreForm reports whether inst's first (destination) argument is
// the memory operand, i.e. "mov [mem], reg" rather than
// "mov reg, [mem]".
func isStoreForm(inst x86asm.Inst) bool {
	if len(inst.Args) == 0 || inst.Args[0] == nil {
		return false
	}
	_, isMem := inst.Args[0].(x86asm.Mem)
	return isMem
}
