package apic

import (
	"errors"
	"testing"

	"github.com/tinyrange/stage0/internal/firmware/boot"
	"github.com/tinyrange/stage0/internal/firmware/layout"
	"github.com/tinyrange/stage0/internal/firmware/paging"
	"github.com/tinyrange/stage0/internal/firmware/reg"
	"github.com/tinyrange/stage0/internal/hw/sim"
)

func testMachine(t *testing.T, cfg sim.Config) *sim.Machine {
	t.Helper()
	if cfg.MemorySize == 0 {
		cfg.MemorySize = 4 << 20
	}
	m, err := sim.NewMachine(cfg)
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func testTables(t *testing.T, m *sim.Machine) *paging.Refs {
	t.Helper()
	alloc := boot.NewBumpAllocator(m, layout.BumpBase, layout.BumpSize)
	tables, err := paging.Build(m, alloc, 0)
	if err != nil {
		t.Fatalf("Build page tables: %v", err)
	}
	return tables
}

func TestEnableX2Apic(t *testing.T) {
	m := testMachine(t, sim.Config{X2Apic: true, APICID: 7})

	lapic, err := Enable(reg.Direct(m), m, testTables(t, m))
	if err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if got, want := lapic.ID(), uint32(7); got != want {
		t.Fatalf("APIC ID = %d, want %d", got, want)
	}

	base, err := m.ReadMSR(0x1B)
	if err != nil {
		t.Fatalf("read APIC base: %v", err)
	}
	if base&BaseFlagEnable == 0 {
		t.Error("APIC enable bit not set")
	}
	if base&BaseFlagExtd == 0 {
		t.Error("x2APIC mode bit not set")
	}
}

func TestEnableXapicMapsRegisterWindow(t *testing.T) {
	m := testMachine(t, sim.Config{X2Apic: false})
	tables := testTables(t, m)

	flushesBefore := m.TLBFlushes
	if _, err := Enable(reg.Direct(m), m, tables); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	index := int(uint64(layout.APICWindowAddr) / paging.PageSize)
	entry, err := paging.ReadEntry(m, tables.LowPT, index)
	if err != nil {
		t.Fatalf("ReadEntry: %v", err)
	}
	wantFlags := paging.Present | paging.Writable | paging.NoCache
	if entry&wantFlags != wantFlags {
		t.Errorf("window PTE = %#x, missing flags %#x", entry, wantFlags)
	}
	if got, want := entry&0x000F_FFFF_FFFF_F000, uint64(0xFEE0_0000); got != want {
		t.Errorf("window PTE points at %#x, want %#x", got, want)
	}
	if m.TLBFlushes == flushesBefore {
		t.Error("mapping the register window did not flush the TLB")
	}
}

func TestEnableRejectsVersionOutOfRange(t *testing.T) {
	for _, tc := range []struct {
		version uint8
		ok      bool
	}{
		{0x0F, false},
		{0x10, true},
		{0x15, true},
		{0x1F, true},
		{0x20, false},
		{0x42, false},
	} {
		m := testMachine(t, sim.Config{X2Apic: true, APICVersion: tc.version})
		_, err := Enable(reg.Direct(m), m, testTables(t, m))
		if tc.ok && err != nil {
			t.Errorf("version %#x: Enable failed: %v", tc.version, err)
		}
		if !tc.ok {
			if !errors.Is(err, ErrUnsupportedVersion) {
				t.Errorf("version %#x: err = %v, want ErrUnsupportedVersion", tc.version, err)
			}
		}
	}
}

func TestEnableSetsSoftwareEnable(t *testing.T) {
	m := testMachine(t, sim.Config{X2Apic: true})
	if _, err := Enable(reg.Direct(m), m, testTables(t, m)); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	spurious, err := m.ReadMSR(0x80F)
	if err != nil {
		t.Fatalf("read spurious register: %v", err)
	}
	if spurious&uint64(SpuriousSoftwareEnable) == 0 {
		t.Error("software enable bit not set after Enable")
	}
}

func TestXapicRejectsWideDestination(t *testing.T) {
	m := testMachine(t, sim.Config{X2Apic: false})
	lapic, err := Enable(reg.Direct(m), m, testTables(t, m))
	if err != nil {
		t.Fatalf("Enable: %v", err)
	}

	err = lapic.SendIPI(0x100, 0, MessageFixed, DestinationPhysical,
		LevelAssert, TriggerEdge, ShorthandNone)
	if !errors.Is(err, ErrDestinationTooWide) {
		t.Fatalf("err = %v, want ErrDestinationTooWide", err)
	}
	if len(m.IPIs) != 0 {
		t.Fatalf("rejected IPI still reached hardware: %+v", m.IPIs)
	}
}

func TestX2ApicAcceptsWideDestination(t *testing.T) {
	m := testMachine(t, sim.Config{X2Apic: true})
	lapic, err := Enable(reg.Direct(m), m, testTables(t, m))
	if err != nil {
		t.Fatalf("Enable: %v", err)
	}

	if err := lapic.SendIPI(0x100, 0x20, MessageFixed, DestinationPhysical,
		LevelAssert, TriggerEdge, ShorthandNone); err != nil {
		t.Fatalf("SendIPI: %v", err)
	}
	if len(m.IPIs) != 1 {
		t.Fatalf("expected one IPI, got %d", len(m.IPIs))
	}
	if got, want := m.IPIs[0].Destination, uint32(0x100); got != want {
		t.Fatalf("destination = %d, want %d", got, want)
	}
}

func TestSendInitIPISequence(t *testing.T) {
	m := testMachine(t, sim.Config{X2Apic: true})
	lapic, err := Enable(reg.Direct(m), m, testTables(t, m))
	if err != nil {
		t.Fatalf("Enable: %v", err)
	}

	if err := lapic.SendInitIPI(3); err != nil {
		t.Fatalf("SendInitIPI: %v", err)
	}
	if len(m.IPIs) != 2 {
		t.Fatalf("expected two-phase INIT, got %d IPIs", len(m.IPIs))
	}

	assert := m.IPIs[0]
	if assert.Kind != uint32(MessageInit) || assert.Level == 0 || assert.Trigger == 0 {
		t.Errorf("first phase = %+v, want level-triggered INIT assert", assert)
	}
	deassert := m.IPIs[1]
	if deassert.Kind != uint32(MessageInit) || deassert.Level != 0 || deassert.Trigger != 0 {
		t.Errorf("second phase = %+v, want edge-triggered INIT deassert", deassert)
	}
	for _, ipi := range m.IPIs {
		if ipi.Destination != 3 || ipi.Vector != 0 {
			t.Errorf("INIT IPI = %+v, want destination 3 vector 0", ipi)
		}
	}
}

func TestSendStartupIPIRejectsBadVectors(t *testing.T) {
	m := testMachine(t, sim.Config{X2Apic: true})
	lapic, err := Enable(reg.Direct(m), m, testTables(t, m))
	if err != nil {
		t.Fatalf("Enable: %v", err)
	}

	for _, tc := range []struct {
		entry uint64
		want  error
	}{
		{0x9001, ErrVectorNotAligned},
		{0x9800, ErrVectorNotAligned},
		{0x10_0000, ErrVectorTooHigh},
		{0x20_0000, ErrVectorTooHigh},
	} {
		err := lapic.SendStartupIPI(1, tc.entry)
		if !errors.Is(err, tc.want) {
			t.Errorf("entry %#x: err = %v, want %v", tc.entry, err, tc.want)
		}
	}
	if len(m.IPIs) != 0 {
		t.Fatalf("rejected startup vectors still reached hardware: %+v", m.IPIs)
	}
}

func TestStartupVectorEncodingRoundTrip(t *testing.T) {
	m := testMachine(t, sim.Config{X2Apic: true})
	lapic, err := Enable(reg.Direct(m), m, testTables(t, m))
	if err != nil {
		t.Fatalf("Enable: %v", err)
	}

	// Every page-aligned address below 1 MiB must survive the page-frame
	// encoding exactly.
	for entry := uint64(0); entry < 0x10_0000; entry += 0x1000 {
		if err := lapic.SendStartupIPI(1, entry); err != nil {
			t.Fatalf("entry %#x: %v", entry, err)
		}
		sent := m.IPIs[len(m.IPIs)-1]
		if got, want := sent.Kind, uint32(MessageStartup); got != want {
			t.Fatalf("entry %#x: kind = %#x, want %#x", entry, got, want)
		}
		if decoded := uint64(sent.Vector) << 12; decoded != entry {
			t.Fatalf("entry %#x decoded back to %#x", entry, decoded)
		}
	}
}
