package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nmxmxh/tinos/kernel/arch"
	"github.com/nmxmxh/tinos/kernel/platform"
	"github.com/nmxmxh/tinos/kernel/utils"
	"github.com/nmxmxh/tinos/kernel/vm"
)

// vmctl boots a synthetic machine from a YAML arena config and exposes
// the pmm/vmm diagnostic commands, either as a REPL or one-shot:
//
//	vmctl
//	vmctl -config boot.yaml pmm arenas
//	vmctl vmm alloc 0x4000 12

type shell struct {
	logger *utils.Logger
	pmm    *vm.PMM
	vmm    *vm.VMM

	// allocated accumulates pages taken by pmm test commands so
	// free_alloced can return them.
	allocated vm.PageList

	testAspace *vm.Aspace
	aspaces    map[string]*vm.Aspace
}

func main() {
	configPath := flag.String("config", "", "YAML boot configuration (default: built-in machine)")
	seed := flag.Int64("seed", 0, "seed a deterministic RNG for reproducible placement")
	flag.Parse()

	logger := utils.DefaultLogger("vmctl")

	cfg := platform.DefaultBootConfig()
	if *configPath != "" {
		loaded, err := platform.LoadBootConfig(*configPath)
		if err != nil {
			logger.Error("boot config rejected", utils.Err(err))
			os.Exit(1)
		}
		cfg = loaded
	}

	plat := platform.Default()
	if *seed != 0 {
		plat = platform.Deterministic(*seed)
	}

	sh, err := boot(cfg, plat, logger)
	if err != nil {
		logger.Error("boot failed", utils.Err(err))
		os.Exit(1)
	}

	shutdown := utils.NewGracefulShutdown(5*time.Second, logger)
	shutdown.Register(sh.teardown)

	code := 0
	if args := flag.Args(); len(args) > 0 {
		if err := sh.dispatch(args); err != nil {
			fmt.Println(err)
			code = 1
		}
	} else {
		sh.repl()
	}

	if err := shutdown.Shutdown(context.Background()); err != nil {
		code = 1
	}
	os.Exit(code)
}

func boot(cfg *platform.BootConfig, plat *platform.Platform, logger *utils.Logger) (*shell, error) {
	pmm := vm.NewPMM(plat, logger.With(utils.String("sub", "pmm")))
	for _, a := range cfg.Arenas {
		flags := vm.ArenaFlags(0)
		if a.KMap {
			flags |= vm.PMM_ARENA_FLAG_KMAP
		}
		_, err := pmm.AddArena(vm.ArenaSpec{
			Name:           a.Name,
			Base:           a.Base,
			Size:           a.Size,
			Priority:       a.Priority,
			Flags:          flags,
			ReserveAtStart: a.ReserveAtStart,
			ReserveAtEnd:   a.ReserveAtEnd,
		})
		if err != nil {
			return nil, err
		}
	}

	vmm := vm.NewVMM(vm.Config{
		MMU:      arch.NewSoftMMU(),
		PMM:      pmm,
		Platform: plat,
		Logger:   logger.With(utils.String("sub", "vmm")),
		Layout: vm.Layout{
			KernelBase: cfg.Layout.KernelBase,
			KernelSize: cfg.Layout.KernelSize,
			UserBase:   cfg.Layout.UserBase,
			UserSize:   cfg.Layout.UserSize,
		},
		ASLR: cfg.ASLR,
	})

	kernel, err := vmm.InitPreheap()
	if err != nil {
		return nil, err
	}
	vmm.SetCurrentThread(&vm.Thread{})

	return &shell{
		logger:     logger,
		pmm:        pmm,
		vmm:        vmm,
		testAspace: kernel,
		aspaces:    make(map[string]*vm.Aspace),
	}, nil
}

// teardown returns test allocations and frees created aspaces.
func (sh *shell) teardown() error {
	if len(sh.allocated) > 0 {
		sh.pmm.Free(sh.allocated)
		sh.allocated = nil
	}
	for name, as := range sh.aspaces {
		if err := sh.vmm.FreeAspace(as); err != nil {
			return err
		}
		delete(sh.aspaces, name)
	}
	return nil
}

func (sh *shell) repl() {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("vmctl> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "exit" || line == "quit" {
			return
		}
		if line != "" {
			if err := sh.dispatch(strings.Fields(line)); err != nil {
				fmt.Println(err)
			}
		}
		fmt.Print("vmctl> ")
	}
}

func (sh *shell) dispatch(args []string) error {
	switch args[0] {
	case "pmm":
		return sh.cmdPMM(args[1:])
	case "vmm":
		return sh.cmdVMM(args[1:])
	case "help":
		usage()
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func usage() {
	fmt.Print(`usage:
  pmm arenas
  pmm alloc <count>
  pmm alloc_range <address> <count>
  pmm alloc_kpages <count>
  pmm alloc_contig <count> <align_log2>
  pmm dump_alloced
  pmm free_alloced
  vmm aspaces
  vmm alloc <size> <align_pow2>
  vmm alloc_physical <paddr> <size> <align_pow2>
  vmm alloc_contig <size> <align_pow2>
  vmm free_region <address>
  vmm create_aspace
  vmm create_test_aspace
  vmm free_aspace <name>
  vmm set_test_aspace <name>
`)
}

func parseNum(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad number %q", s)
	}
	return v, nil
}

func (sh *shell) cmdPMM(args []string) error {
	if len(args) < 1 {
		usage()
		return fmt.Errorf("not enough arguments")
	}

	switch args[0] {
	case "arenas":
		for _, st := range sh.pmm.Stats() {
			fmt.Printf("arena %q: base 0x%x size 0x%x priority %d flags 0x%x\n",
				st.Name, st.Base, st.Size, st.Priority, uint32(st.Flags))
			fmt.Printf("\ttotal %d free %d reserved %d\n",
				st.TotalPages, st.FreePages, st.ReservedPages)
			fmt.Printf("\tfree ranges:\n")
			for _, r := range st.FreeRanges {
				fmt.Printf("\t\t0x%x - 0x%x\n", r.Start, r.End)
			}
		}

	case "alloc":
		if len(args) < 2 {
			return fmt.Errorf("not enough arguments")
		}
		count, err := parseNum(args[1])
		if err != nil {
			return err
		}
		pages, err := sh.pmm.AllocPages(count, 0, 0)
		if err != nil {
			return err
		}
		fmt.Printf("allocated %d pages\n", len(pages))
		sh.allocated = append(sh.allocated, pages...)

	case "alloc_range":
		if len(args) < 3 {
			return fmt.Errorf("not enough arguments")
		}
		address, err := parseNum(args[1])
		if err != nil {
			return err
		}
		count, err := parseNum(args[2])
		if err != nil {
			return err
		}
		pages, got := sh.pmm.AllocRange(address, count)
		fmt.Printf("alloc_range returns %d\n", got)
		for _, p := range pages {
			fmt.Printf("\tpage address 0x%x\n", p.Address())
		}
		sh.allocated = append(sh.allocated, pages...)

	case "alloc_kpages":
		if len(args) < 2 {
			return fmt.Errorf("not enough arguments")
		}
		count, err := parseNum(args[1])
		if err != nil {
			return err
		}
		kva, pages, err := sh.pmm.AllocKPages(count)
		if err != nil {
			return err
		}
		fmt.Printf("alloc_kpages returns %d bytes of kernel alias\n", len(kva))
		sh.allocated = append(sh.allocated, pages...)

	case "alloc_contig":
		if len(args) < 3 {
			return fmt.Errorf("not enough arguments")
		}
		count, err := parseNum(args[1])
		if err != nil {
			return err
		}
		align, err := parseNum(args[2])
		if err != nil {
			return err
		}
		pa, pages, err := sh.pmm.AllocContiguous(count, uint8(align))
		if err != nil {
			return err
		}
		fmt.Printf("alloc_contig returns %d pages, address 0x%x\n", len(pages), pa)
		fmt.Printf("address %% align = 0x%x\n", pa%(uint64(1)<<align))
		sh.allocated = append(sh.allocated, pages...)

	case "dump_alloced":
		for _, p := range sh.allocated {
			fmt.Printf("page address 0x%x flags 0x%x\n", p.Address(), uint32(p.Flags()))
		}

	case "free_alloced":
		count := sh.pmm.Free(sh.allocated)
		sh.allocated = nil
		fmt.Printf("freed %d pages\n", count)

	default:
		usage()
		return fmt.Errorf("unknown pmm command %q", args[0])
	}
	return nil
}

func (sh *shell) cmdVMM(args []string) error {
	if len(args) < 1 {
		usage()
		return fmt.Errorf("not enough arguments")
	}

	switch args[0] {
	case "aspaces":
		for _, st := range sh.vmm.Stats() {
			fmt.Printf("aspace %q: range 0x%x - 0x%x size 0x%x flags 0x%x\n",
				st.Name, st.Base, st.Base+st.Size-1, st.Size, uint32(st.Flags))
			fmt.Printf("regions:\n")
			for _, r := range st.Regions {
				fmt.Printf("\tregion %q: range 0x%x - 0x%x size 0x%x flags 0x%x mmu_flags 0x%x\n",
					r.Name, r.Base, r.Base+r.Size-1, r.Size, uint32(r.Flags), uint32(r.MMUFlags))
			}
		}

	case "alloc":
		if len(args) < 3 {
			return fmt.Errorf("not enough arguments")
		}
		size, err := parseNum(args[1])
		if err != nil {
			return err
		}
		align, err := parseNum(args[2])
		if err != nil {
			return err
		}
		var ptr uint64
		name := "alloc-" + utils.GenerateID()[:8]
		if err := sh.vmm.Alloc(sh.testAspace, name, size, &ptr, uint8(align), 0, 0); err != nil {
			return err
		}
		fmt.Printf("vmm alloc returns ptr 0x%x\n", ptr)

	case "alloc_physical":
		if len(args) < 4 {
			return fmt.Errorf("not enough arguments")
		}
		paddr, err := parseNum(args[1])
		if err != nil {
			return err
		}
		size, err := parseNum(args[2])
		if err != nil {
			return err
		}
		align, err := parseNum(args[3])
		if err != nil {
			return err
		}
		var ptr uint64
		name := "physical-" + utils.GenerateID()[:8]
		err = sh.vmm.AllocPhysical(sh.testAspace, name, size, &ptr, uint8(align),
			[]uint64{paddr}, 0, arch.ARCH_MMU_FLAG_UNCACHED_DEVICE)
		if err != nil {
			return err
		}
		fmt.Printf("vmm alloc_physical returns ptr 0x%x\n", ptr)

	case "alloc_contig":
		if len(args) < 3 {
			return fmt.Errorf("not enough arguments")
		}
		size, err := parseNum(args[1])
		if err != nil {
			return err
		}
		align, err := parseNum(args[2])
		if err != nil {
			return err
		}
		var ptr uint64
		name := "contig-" + utils.GenerateID()[:8]
		if err := sh.vmm.AllocContiguous(sh.testAspace, name, size, &ptr, uint8(align), 0, 0); err != nil {
			return err
		}
		fmt.Printf("vmm alloc_contig returns ptr 0x%x\n", ptr)

	case "free_region":
		if len(args) < 2 {
			return fmt.Errorf("not enough arguments")
		}
		address, err := parseNum(args[1])
		if err != nil {
			return err
		}
		if err := sh.vmm.FreeRegion(sh.testAspace, address); err != nil {
			return err
		}
		fmt.Printf("region freed\n")

	case "create_aspace", "create_test_aspace":
		name := "test-" + utils.GenerateID()[:8]
		as, err := sh.vmm.CreateAspace(name, 0)
		if err != nil {
			return err
		}
		sh.aspaces[name] = as
		if args[0] == "create_test_aspace" {
			sh.testAspace = as
			sh.vmm.SetActiveAspace(as)
		}
		fmt.Printf("created aspace %q\n", name)

	case "free_aspace":
		if len(args) < 2 {
			return fmt.Errorf("not enough arguments")
		}
		as, ok := sh.aspaces[args[1]]
		if !ok {
			return fmt.Errorf("unknown aspace %q", args[1])
		}
		if sh.testAspace == as {
			sh.testAspace = sh.vmm.KernelAspace()
		}
		if err := sh.vmm.FreeAspace(as); err != nil {
			return err
		}
		delete(sh.aspaces, args[1])
		fmt.Printf("freed aspace %q\n", args[1])

	case "set_test_aspace":
		if len(args) < 2 {
			return fmt.Errorf("not enough arguments")
		}
		as, ok := sh.aspaces[args[1]]
		if !ok {
			return fmt.Errorf("unknown aspace %q", args[1])
		}
		sh.testAspace = as
		sh.vmm.SetActiveAspace(as)
		fmt.Printf("test aspace is %q\n", args[1])

	default:
		usage()
		return fmt.Errorf("unknown vmm command %q", args[0])
	}
	return nil
}
