package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/stage0"
	"github.com/tinyrange/stage0/internal/hw/sim"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// machineConfig is the on-disk description of the simulated machine.
type machineConfig struct {
	MemoryMiB int    `yaml:"memory_mib"`
	CPUs      int    `yaml:"cpus"`
	Cmdline   string `yaml:"cmdline"`
	X2Apic    bool   `yaml:"x2apic"`

	// Sev selects the encryption tier: "off", "es" or "snp".
	Sev string `yaml:"sev"`

	// EncryptedBit is the memory-encryption bit position; required for
	// "es" and "snp".
	EncryptedBit uint64 `yaml:"encrypted_bit"`

	// Kernel is an optional file loaded at the kernel load address.
	Kernel string `yaml:"kernel"`
}

func defaultConfig() machineConfig {
	return machineConfig{
		MemoryMiB:    64,
		CPUs:         1,
		X2Apic:       true,
		Sev:          "off",
		EncryptedBit: 51,
	}
}

func loadConfig(path string) (machineConfig, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func sevStatus(mode string) (uint64, error) {
	switch mode {
	case "off":
		return 0, nil
	case "es":
		return 0b011, nil
	case "snp":
		return 0b111, nil
	default:
		return 0, fmt.Errorf("unknown sev mode %q (want off, es or snp)", mode)
	}
}

func run() error {
	configPath := flag.String("config", "", "machine config YAML file")
	cpus := flag.Int("cpus", 0, "override the CPU count")
	cmdline := flag.String("cmdline", "", "override the kernel command line")
	sev := flag.String("sev", "", "override the encryption tier (off, es, snp)")
	verbose := flag.Bool("v", false, "verbose logging")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `stage0 - dry-run the boot sequence against a simulated machine

USAGE:
  stage0 [flags]

FLAGS:
  -config FILE   Machine config YAML (memory_mib, cpus, cmdline, x2apic, sev, encrypted_bit, kernel)
  -cpus N        Override the CPU count
  -cmdline S     Override the kernel command line
  -sev MODE      Override the encryption tier: off, es or snp
  -v             Verbose logging

The boot sequence runs to the point of kernel handoff and the handoff
state is printed. Under snp, every usable memory page is validated first.
`)
	}
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *cpus > 0 {
		cfg.CPUs = *cpus
	}
	if *cmdline != "" {
		cfg.Cmdline = *cmdline
	}
	if *sev != "" {
		cfg.Sev = *sev
	}

	status, err := sevStatus(cfg.Sev)
	if err != nil {
		return err
	}

	memSize := uint64(cfg.MemoryMiB) << 20
	m, err := stage0.NewSimMachine(sim.Config{
		MemorySize: memSize,
		X2Apic:     cfg.X2Apic,
		SevStatus:  status,
	})
	if err != nil {
		return fmt.Errorf("create machine: %w", err)
	}
	defer m.Close()

	if cfg.Kernel != "" {
		kernel, err := os.ReadFile(cfg.Kernel)
		if err != nil {
			return fmt.Errorf("read kernel: %w", err)
		}
		if _, err := m.WriteAt(kernel, 0x20_0000); err != nil {
			return fmt.Errorf("load kernel: %w", err)
		}
	}

	dev := &stage0.StaticDevice{
		Cmdline: cfg.Cmdline,
		Ranges: []stage0.RAMRange{
			{Start: 0, Size: 0x8_0000},
			{Start: 0x10_0000, Size: memSize - 0x10_0000},
		},
		CPUs: cfg.CPUs,
	}

	bootCfg := stage0.Config{}
	if cfg.Sev != "off" {
		bootCfg.EncryptedBit = cfg.EncryptedBit
		for _, r := range dev.Ranges {
			m.AssignPrivate(r.Start, r.Size)
		}
	}

	if cfg.Sev == "snp" && term.IsTerminal(int(os.Stderr.Fd())) {
		var bar *progressbar.ProgressBar
		bootCfg.ValidationProgress = func(done, total int) {
			if bar == nil {
				bar = progressbar.NewOptions(total,
					progressbar.OptionSetDescription("validating memory"),
					progressbar.OptionSetWriter(os.Stderr),
					progressbar.OptionClearOnFinish(),
				)
			}
			bar.Set(done)
		}
	}

	report, err := stage0.Boot(m, dev, m, bootCfg)
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	fmt.Printf("mode:          %s\n", report.Mode)
	fmt.Printf("kernel entry:  %#x\n", report.Entry)
	fmt.Printf("zero page:     %#x\n", report.ZeroPageAddr)
	fmt.Printf("acpi rsdp:     %#x\n", report.RSDPAddr)
	fmt.Printf("cmdline bytes: %d\n", report.CmdlineSize)
	fmt.Printf("aps started:   %v\n", report.APsStarted)
	fmt.Printf("scratch used:  %d bytes\n", report.BumpUsed)
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "stage0: %v\n", err)
		os.Exit(1)
	}
}
