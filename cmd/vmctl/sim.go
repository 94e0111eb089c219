package main

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/kestrelos/vmkit/vm"
	"github.com/kestrelos/vmkit/vm/page"
	"github.com/kestrelos/vmkit/vm/phys"
	"github.com/kestrelos/vmkit/vm/transmap"
)

// spaceBase is where the simulated address space starts; page numbers
// in scripts are relative to it.
const spaceBase = 0x100000

// sim is one scripted session: a frame pool, an address space, and the
// named areas the script has created so far. Cutting an area can split
// it; the piece past the cut is registered as "<name>.1", "<name>.2"
// and so on.
type sim struct {
	pool  *phys.Pool
	space *vm.AddressSpace
	softm *transmap.SoftMap

	areas  map[string]*vm.Area
	splits map[string]int
}

func newSim(frames, spacePages int) (*sim, error) {
	pool, err := phys.NewPool(frames)
	if err != nil {
		return nil, err
	}
	m := transmap.NewSoftMap()
	space, err := vm.NewAddressSpace(spaceBase, uint64(spacePages)*page.Size, m)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &sim{
		pool:   pool,
		space:  space,
		softm:  m,
		areas:  make(map[string]*vm.Area),
		splits: make(map[string]int),
	}, nil
}

func (s *sim) close() error {
	return s.pool.Close()
}

// run executes script lines one at a time. Blank lines and lines
// starting with # are skipped.
func (s *sim) run(r io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		printVerbose("> %s\n", line)
		if err := s.exec(line, out); err != nil {
			return fmt.Errorf("line %d (%q): %w", lineNo, line, err)
		}
	}
	return scanner.Err()
}

func (s *sim) exec(line string, out io.Writer) error {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "map":
		return s.cmdMap(args)
	case "cut":
		return s.cmdCut(args)
	case "fault":
		return s.cmdFault(args)
	case "unmap":
		return s.cmdUnmap(args)
	case "show":
		return s.show(out)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// cmdMap: map <name> <pages> [private] [wired] [at <page>]
func (s *sim) cmdMap(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: map <name> <pages> [private] [wired] [at <page>]")
	}
	name := args[0]
	if _, ok := s.areas[name]; ok {
		return fmt.Errorf("area %q already exists", name)
	}
	pages, err := strconv.Atoi(args[1])
	if err != nil || pages <= 0 {
		return fmt.Errorf("bad page count %q", args[1])
	}

	opts := vm.MapOptions{
		Name:       name,
		Size:       uint64(pages) * page.Size,
		Protection: page.Read | page.Write,
		Addr:       vm.AddressRestrictions{Spec: vm.SpecAnywhere},
	}
	rest := args[2:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "private":
			opts.Mapping = vm.MappingPrivate
		case "wired":
			opts.Wiring = vm.WiringFull
		case "at":
			if i+1 >= len(rest) {
				return fmt.Errorf("at needs a page number")
			}
			p, err := strconv.Atoi(rest[i+1])
			if err != nil || p < 0 {
				return fmt.Errorf("bad page %q", rest[i+1])
			}
			opts.Addr = vm.AddressRestrictions{
				Spec:    vm.SpecExact,
				Address: spaceBase + uint64(p)*page.Size,
			}
			i++
		default:
			return fmt.Errorf("unknown map option %q", rest[i])
		}
	}

	store, err := vm.NewAnonymousCache(s.pool, 0, opts.Size, vm.CacheOptions{})
	if err != nil {
		return err
	}
	s.space.WriteLock()
	store.Lock()
	area, err := vm.MapBackingStore(s.space, store, opts)
	store.Unlock()
	s.space.WriteUnlock()
	// The area holds its own ref now; the creation ref goes either way.
	store.ReleaseRef()
	if err != nil {
		return err
	}
	s.areas[name] = area
	return nil
}

// cmdCut: cut <name> <startPage> <pages>
func (s *sim) cmdCut(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: cut <name> <startPage> <pages>")
	}
	area, ok := s.areas[args[0]]
	if !ok {
		return fmt.Errorf("no area %q", args[0])
	}
	start, err1 := strconv.Atoi(args[1])
	pages, err2 := strconv.Atoi(args[2])
	if err1 != nil || err2 != nil || start < 0 || pages <= 0 {
		return fmt.Errorf("bad cut range %q+%q", args[1], args[2])
	}

	addr := spaceBase + uint64(start)*page.Size
	size := uint64(pages) * page.Size
	s.space.WriteLock()
	second, err := vm.CutArea(s.space, area, addr, size)
	s.space.WriteUnlock()
	if err != nil {
		return err
	}
	if addr <= area.Base() && addr+size >= area.Base()+area.Size() {
		// Full cover: the area object is dead.
		delete(s.areas, args[0])
	}
	if second != nil {
		s.splits[args[0]]++
		s.areas[fmt.Sprintf("%s.%d", args[0], s.splits[args[0]])] = second
	}
	return nil
}

// cmdFault: fault <name> <page> [w]
func (s *sim) cmdFault(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: fault <name> <page> [w]")
	}
	area, ok := s.areas[args[0]]
	if !ok {
		return fmt.Errorf("no area %q", args[0])
	}
	p, err := strconv.Atoi(args[1])
	if err != nil || p < 0 {
		return fmt.Errorf("bad page %q", args[1])
	}
	write := len(args) > 2 && args[2] == "w"
	return vm.FaultPage(s.space, area.Base()+uint64(p)*page.Size, write)
}

// cmdUnmap: unmap <startPage> <pages>
func (s *sim) cmdUnmap(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: unmap <startPage> <pages>")
	}
	start, err1 := strconv.Atoi(args[0])
	pages, err2 := strconv.Atoi(args[1])
	if err1 != nil || err2 != nil || start < 0 || pages <= 0 {
		return fmt.Errorf("bad unmap range %q+%q", args[0], args[1])
	}
	err := vm.UnmapRange(s.space, spaceBase+uint64(start)*page.Size, uint64(pages)*page.Size)
	if err != nil {
		return err
	}
	// Drop names whose areas are gone.
	s.space.ReadLock()
	live := make(map[*vm.Area]bool, s.space.AreaCountLocked())
	for _, a := range s.space.AreasLocked() {
		live[a] = true
	}
	s.space.ReadUnlock()
	for name, a := range s.areas {
		if !live[a] {
			delete(s.areas, name)
		}
	}
	return nil
}

// areaReport is the JSON shape of one area in show output.
type areaReport struct {
	Name      string `json:"name"`
	ID        int32  `json:"id"`
	StartPage uint64 `json:"start_page"`
	Pages     uint64 `json:"pages"`
	Offset    uint64 `json:"cache_offset_pages"`
	Wiring    string `json:"wiring"`
	Resident  int    `json:"resident_pages"`
	Committed uint64 `json:"committed_pages"`
	Mapped    int    `json:"mapped_pages"`
}

func (s *sim) report() []areaReport {
	s.space.ReadLock()
	defer s.space.ReadUnlock()

	names := make(map[*vm.Area]string, len(s.areas))
	for name, a := range s.areas {
		names[a] = name
	}

	var reports []areaReport
	for _, a := range s.space.AreasLocked() {
		c := a.Cache()
		c.Lock()
		r := areaReport{
			Name:      names[a],
			ID:        a.ID(),
			StartPage: (a.Base() - spaceBase) / page.Size,
			Pages:     a.Size() / page.Size,
			Offset:    a.CacheOffset() / page.Size,
			Wiring:    a.Wiring().String(),
			Resident:  c.PageCountLocked(),
			Committed: c.CommittedSize() / page.Size,
			Mapped:    s.softm.MappedIn(a.Base(), a.Size()),
		}
		c.Unlock()
		reports = append(reports, r)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].StartPage < reports[j].StartPage })
	return reports
}

func (s *sim) show(out io.Writer) error {
	reports := s.report()
	if jsonOut {
		return printJSON(reports)
	}
	fmt.Fprintf(out, "%-12s %5s %6s %6s %7s %11s %9s %10s %7s\n",
		"NAME", "ID", "START", "PAGES", "OFFSET", "WIRING", "RESIDENT", "COMMITTED", "MAPPED")
	for _, r := range reports {
		fmt.Fprintf(out, "%-12s %5d %6d %6d %7d %11s %9d %10d %7d\n",
			r.Name, r.ID, r.StartPage, r.Pages, r.Offset, r.Wiring,
			r.Resident, r.Committed, r.Mapped)
	}
	fmt.Fprintf(out, "free frames: %d\n", s.pool.Available())
	return nil
}
