// Package layout fixes the physical memory map the firmware is linked
// against. Everything below 1 MiB is owned by the firmware image and its
// working state; the kernel is loaded at KernelLoadAddr by the launcher
// before the firmware starts.
package layout

const (
	// KernelLoadAddr is where the launcher places the kernel image.
	KernelLoadAddr = 0x20_0000

	// BiosPDAddr and BiosPTAddr are the page-table pages set up by the
	// reset-vector assembly: the page directory covering the firmware image
	// in [4G-2M, 4G) and the 4K-granular page table covering the first
	// 2 MiB. Both must be carried forward into any new page-table set while
	// firmware code is still executing.
	BiosPDAddr = 0x2000
	BiosPTAddr = 0x3000

	// SecretsPageAddr and CPUIDPageAddr are the SEV-SNP pages populated by
	// the platform security processor at launch.
	SecretsPageAddr = 0x5000
	CPUIDPageAddr   = 0x6000
	SnpPageSize     = 0x1000

	// APTrampolineAddr is the real-mode entry for secondary cores. The
	// STARTUP IPI vector encoding requires it to be page-aligned and below
	// 1 MiB.
	APTrampolineAddr = 0x9000

	// BootStackPointer is the top of the firmware's boot stack, handed to
	// the kernel as the initial stack.
	BootStackPointer = 0x4_0000

	// BumpBase and BumpSize bound the firmware-lifetime bump allocator.
	BumpBase = 0x6_0000
	BumpSize = 0x2_0000

	// APICWindowAddr is the reserved virtual slot the xAPIC register window
	// is mapped at. It must land inside the first page table (below 2 MiB)
	// so the mapping edit needs nothing but the tables the firmware already
	// controls.
	APICWindowAddr = 0x1F_0000
)
