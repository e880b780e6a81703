// Package firmware sequences the stage0 boot: confidential-computing
// bootstrap, boot-parameter construction, page-table bring-up, secondary
// core wake-up and the final kernel handoff.
//
// Ordering is load-bearing and a mistake is unrecoverable (there are no
// fault handlers yet): the secure channel must be live before any mediated
// register access and torn down only after every channel-dependent step;
// page tables must be live before the jump; core wake-up only fires after
// the startup vector is validated.
package firmware

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/stage0/internal/firmware/acpi"
	"github.com/tinyrange/stage0/internal/firmware/apic"
	"github.com/tinyrange/stage0/internal/firmware/boot"
	"github.com/tinyrange/stage0/internal/firmware/fwcfg"
	"github.com/tinyrange/stage0/internal/firmware/layout"
	"github.com/tinyrange/stage0/internal/firmware/paging"
	"github.com/tinyrange/stage0/internal/firmware/reg"
	"github.com/tinyrange/stage0/internal/firmware/sev"
	"github.com/tinyrange/stage0/internal/hw"
)

// Config carries the state the reset-vector code hands to the boot
// sequence.
type Config struct {
	// EncryptedBit is the memory-encryption bit position, zero when the
	// guest is unencrypted.
	EncryptedBit uint64

	// KernelLoadAddr overrides the fixed kernel load address; zero means
	// the default.
	KernelLoadAddr uint64

	// ValidationProgress, when non-nil, observes SNP memory validation.
	ValidationProgress func(done, total int)
}

// Report describes the machine state at the moment of handoff.
type Report struct {
	Mode         sev.Mode
	Entry        uint64
	ZeroPageAddr uint64
	RSDPAddr     uint64
	CmdlineSize  uint32
	APsStarted   []uint32
	BumpUsed     uint64
}

// Run executes the boot sequence against the machine and returns the
// handoff state. Every error is fatal; there is no supervisor to report to
// and no safe degraded mode once hardware state has been partially changed.
func Run(m hw.Machine, dev fwcfg.Device, peer sev.Peer, cfg Config) (*Report, error) {
	st, err := sev.DetectState(m, cfg.EncryptedBit)
	if err != nil {
		return nil, fmt.Errorf("detect encryption state: %w", err)
	}

	// Under SEV-ES and SNP the secure channel has to exist before any
	// other hardware-register access.
	var ghcb *sev.Ghcb
	ch := reg.Direct(m)
	if st.Mode.NeedsGhcb() {
		ghcb, err = sev.OpenGhcb(peer, st)
		if err != nil {
			return nil, fmt.Errorf("open GHCB channel: %w", err)
		}
		ch = reg.Mediated(m, ghcb)
	}

	slog.Info("starting", "mode", st.Mode.String(), "c-bit", st.CBitPosition)

	alloc := boot.NewBumpAllocator(m, layout.BumpBase, layout.BumpSize)

	zp, err := boot.InitZeroPage(m, alloc, dev)
	if err != nil {
		return nil, fmt.Errorf("init zero page: %w", err)
	}

	if st.Mode == sev.ModeSnp {
		ranges, err := zp.E820Ranges()
		if err != nil {
			return nil, fmt.Errorf("read validation ranges: %w", err)
		}
		toValidate := make([]sev.Range, 0, len(ranges))
		for _, r := range ranges {
			toValidate = append(toValidate, sev.Range{Start: r.Start, Size: r.Size})
		}
		if err := ghcb.ValidateMemory(toValidate, cfg.ValidationProgress); err != nil {
			return nil, fmt.Errorf("validate guest memory: %w", err)
		}
	}

	if err := boot.SetupDescriptors(m, alloc); err != nil {
		return nil, fmt.Errorf("set up descriptor tables: %w", err)
	}

	tables, err := paging.Build(m, alloc, st.PageMask())
	if err != nil {
		return nil, fmt.Errorf("build page tables: %w", err)
	}
	if err := tables.Install(m, st.PageMask()); err != nil {
		return nil, fmt.Errorf("install page tables: %w", err)
	}

	if st.Mode == sev.ModeSnp {
		head, err := zp.SetupData()
		if err != nil {
			return nil, err
		}
		node, err := sev.BuildCCBlob(m, alloc,
			layout.SecretsPageAddr, layout.SnpPageSize,
			layout.CPUIDPageAddr, layout.SnpPageSize, head)
		if err != nil {
			return nil, fmt.Errorf("build CC blob: %w", err)
		}
		if err := zp.SetSetupData(node); err != nil {
			return nil, err
		}
	}

	cmdlineSize, err := dev.ReadCmdlineSize()
	if err != nil {
		return nil, fmt.Errorf("read cmdline size: %w", err)
	}
	if cmdlineSize > 0 {
		buf := make([]byte, cmdlineSize)
		if err := dev.ReadCmdline(buf); err != nil {
			return nil, fmt.Errorf("read cmdline: %w", err)
		}
		addr, err := alloc.Alloc(uint64(cmdlineSize), 1)
		if err != nil {
			return nil, fmt.Errorf("allocate cmdline: %w", err)
		}
		if _, err := m.WriteAt(buf, int64(addr)); err != nil {
			return nil, fmt.Errorf("write cmdline: %w", err)
		}
		if err := zp.SetCmdline(addr, cmdlineSize); err != nil {
			return nil, err
		}
	}

	cpus, err := dev.CPUCount()
	if err != nil {
		return nil, fmt.Errorf("read CPU count: %w", err)
	}
	rsdp, err := acpi.BuildTables(m, alloc, cpus)
	if err != nil {
		return nil, fmt.Errorf("build ACPI tables: %w", err)
	}
	if err := zp.SetACPIRSDP(rsdp); err != nil {
		return nil, err
	}

	// Secondary cores. This is channel-dependent work (the interrupt
	// controller goes through the register channel), so it has to happen
	// before GHCB teardown.
	var aps []uint32
	if cpus > 1 {
		aps, err = startSecondaryCores(ch, m, tables, cpus)
		if err != nil {
			return nil, err
		}
	}

	loadAddr := cfg.KernelLoadAddr
	if loadAddr == 0 {
		loadAddr = layout.KernelLoadAddr
	}
	entry, err := boot.KernelEntry(m, loadAddr)
	if err != nil {
		return nil, fmt.Errorf("locate kernel entry: %w", err)
	}

	slog.Info("jumping to kernel", "entry", fmt.Sprintf("%#018x", entry))

	// Point of no return for mediated access: after this, nothing may use
	// the channel again.
	if ghcb != nil {
		ghcb.Close()
	}

	if err := tables.Finalize(m, st.PageMask()); err != nil {
		return nil, fmt.Errorf("finalize page tables: %w", err)
	}

	if err := boot.Handoff(m, entry, zp.Addr); err != nil {
		return nil, fmt.Errorf("hand off to kernel: %w", err)
	}

	return &Report{
		Mode:         st.Mode,
		Entry:        entry,
		ZeroPageAddr: zp.Addr,
		RSDPAddr:     rsdp,
		CmdlineSize:  cmdlineSize,
		APsStarted:   aps,
		BumpUsed:     alloc.Used(),
	}, nil
}

// startSecondaryCores wakes every core other than the bootstrap one at the
// AP trampoline using the INIT then STARTUP sequence.
func startSecondaryCores(ch *reg.Channel, m hw.Machine, tables *paging.Refs, cpus int) ([]uint32, error) {
	lapic, err := apic.Enable(ch, m, tables)
	if err != nil {
		return nil, fmt.Errorf("enable local APIC: %w", err)
	}

	var started []uint32
	for id := uint32(0); id < uint32(cpus); id++ {
		if id == lapic.ID() {
			continue
		}
		if err := lapic.SendInitIPI(id); err != nil {
			return nil, fmt.Errorf("wake core %d: %w", id, err)
		}
		if err := lapic.SendStartupIPI(id, layout.APTrampolineAddr); err != nil {
			return nil, fmt.Errorf("start core %d: %w", id, err)
		}
		started = append(started, id)
	}
	slog.Info("secondary cores started", "count", len(started))
	return started, nil
}
