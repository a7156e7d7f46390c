package cmd

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/spf13/cobra"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check host capacity and mission dependencies",
	Long:  "Verify git and the sandbox provider are usable, and report host capacity against the configured wave parallelism.",
	RunE:  runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	fmt.Println("Checking dependencies...")
	fmt.Println()

	ok := true
	check := func(name string, err error) {
		icon := "✓"
		suffix := ""
		if err != nil {
			icon = "✗"
			suffix = " — " + err.Error()
			ok = false
		}
		fmt.Printf("  %s %s%s\n", icon, name, suffix)
	}

	_, gitErr := exec.LookPath("git")
	check("git", gitErr)
	check("sandbox provider ("+cfg.Provider.Kind+")", probeProvider(ctx))
	check("checkpoint backend ("+cfg.Checkpoint.Backend+")", probeCheckpoint())

	fmt.Println()
	fmt.Println("Host capacity:")

	logical, err := cpu.Counts(true)
	if err == nil {
		fmt.Printf("  CPUs:          %d logical\n", logical)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		fmt.Printf("  Memory:        %.1f GiB total, %.1f GiB available\n",
			float64(vm.Total)/(1<<30), float64(vm.Available)/(1<<30))
	}
	if info, err := host.Info(); err == nil {
		fmt.Printf("  Host:          %s %s (%s)\n", info.Platform, info.PlatformVersion, info.KernelArch)
	}

	maxParallel := effectiveMaxParallel(cfg)
	fmt.Printf("  Max parallel:  %d", maxParallel)
	if cfg.Mission.MaxParallel == 0 {
		fmt.Printf(" (derived from CPU count)")
	}
	fmt.Println()
	if logical > 0 && maxParallel > logical {
		fmt.Printf("  ! max_parallel %d exceeds %d logical CPUs; waves will queue on the scheduler\n", maxParallel, logical)
	}

	if !ok {
		return exitWith(ExitInternalError, fmt.Errorf("doctor found missing dependencies"))
	}
	return nil
}

func probeProvider(ctx context.Context) error {
	switch cfg.Provider.Kind {
	case "container":
		binary := cfg.Provider.Binary
		if binary == "" {
			binary = "docker"
		}
		if _, err := exec.LookPath(binary); err != nil {
			return fmt.Errorf("%s not found in PATH", binary)
		}
		return exec.CommandContext(ctx, binary, "info").Run()
	case "local":
		binary := cfg.Provider.Binary
		if binary == "" {
			binary = "goose"
		}
		_, err := exec.LookPath(binary)
		if err != nil {
			return fmt.Errorf("agent runtime %s not found in PATH", binary)
		}
		return nil
	default:
		return fmt.Errorf("platform provider requires external wiring")
	}
}

func probeCheckpoint() error {
	store, closeStore, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	_, err = store.GetLatest(context.Background(), "doctor-probe")
	return err
}
