package boot

import (
	"fmt"

	"github.com/tinyrange/stage0/internal/firmware/layout"
	"github.com/tinyrange/stage0/internal/hw"
)

// Handoff transfers control to the kernel: the stack pointer is set to the
// firmware's reserved boot stack, the zero page address goes in RSI per the
// 64-bit boot protocol, and execution jumps to entry. On real hardware this
// never returns; no firmware code runs afterwards.
func Handoff(m hw.Machine, entry, zeroPageAddr uint64) error {
	if err := m.SetRegister(hw.RegisterAMD64Rsp, layout.BootStackPointer); err != nil {
		return fmt.Errorf("set boot stack pointer: %w", err)
	}
	if err := m.SetRegister(hw.RegisterAMD64Rsi, zeroPageAddr); err != nil {
		return fmt.Errorf("set zero page register: %w", err)
	}
	if err := m.SetRegister(hw.RegisterAMD64Rip, entry); err != nil {
		return fmt.Errorf("jump to kernel entry: %w", err)
	}
	return nil
}
