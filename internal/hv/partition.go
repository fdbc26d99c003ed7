package hv

import (
	"sync/atomic"
	"time"
	"unsafe"

	log "github.com/sirupsen/logrus"
)

// kickerPeriod bounds per-exit latency: an in-flight Run is canceled
// at most this long after the guest stops making exits.
const kickerPeriod = 10 * time.Millisecond

// MappedRegion records one page-aligned GPA range and its host
// backing.
type MappedRegion struct {
	Base uint64
	Size uint64
	Host uintptr
}

func (r *MappedRegion) contains(gpa uint64, size uint64) bool {
	return r.Base <= gpa && gpa < r.Base+r.Size &&
		r.Base <= gpa+size && gpa+size <= r.Base+r.Size
}

// Partition wraps a hypervisor System with the bookkeeping the tracer
// needs: the ordered mapped-region list, host-side physical access,
// and the kicker thread that cancels stuck runs.
type Partition struct {
	sys       System
	regions   []MappedRegion
	runActive atomic.Bool
	stop      chan struct{}
}

// NewPartition takes ownership of sys and starts the kicker goroutine.
func NewPartition(sys System) *Partition {
	p := &Partition{
		sys:  sys,
		stop: make(chan struct{}),
	}
	go p.kicker()
	return p
}

// kicker periodically cancels the vCPU whenever a Run is in flight.
// Cancel is defined to be safe concurrently with Run.
func (p *Partition) kicker() {
	ticker := time.NewTicker(kickerPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			if p.runActive.Load() {
				if err := p.sys.Cancel(); err != nil {
					log.Warnf("cancel run: %v", err)
				}
			}
		}
	}
}

// Close stops the kicker and releases the partition. Mapped host
// memory is owned by the allocator, not the partition.
func (p *Partition) Close() error {
	close(p.stop)
	return p.sys.Close()
}

// GetRegs returns the vCPU register bundle.
func (p *Partition) GetRegs() (*Regs, error) {
	return p.sys.GetRegs()
}

// SetRegs installs the vCPU register bundle.
func (p *Partition) SetRegs(regs *Regs) error {
	return p.sys.SetRegs(regs)
}

// Run executes the vCPU until the next exit, flagging the in-flight
// window for the kicker.
func (p *Partition) Run() (*ExitContext, error) {
	p.runActive.Store(true)
	exit, err := p.sys.Run()
	p.runActive.Store(false)
	return exit, err
}

// MappedRegions returns the regions mapped so far, in mapping order.
func (p *Partition) MappedRegions() []MappedRegion {
	return p.regions
}

// MapPhysicalMemory maps a page-aligned host buffer at gpa and records
// the region.
func (p *Partition) MapPhysicalMemory(gpa uint64, host uintptr, size uint64, flags MapFlags) error {
	if err := p.sys.MapGpaRange(host, gpa, size, flags); err != nil {
		return err
	}
	p.regions = append(p.regions, MappedRegion{Base: gpa, Size: size, Host: host})
	return nil
}

// UnmapPhysicalMemory unmaps the range and drops regions fully
// contained in it.
func (p *Partition) UnmapPhysicalMemory(gpa uint64, size uint64) error {
	if err := p.sys.UnmapGpaRange(gpa, size); err != nil {
		return err
	}
	kept := p.regions[:0]
	for _, r := range p.regions {
		if !(gpa <= r.Base && r.Base+r.Size <= gpa+size) {
			kept = append(kept, r)
		}
	}
	p.regions = kept
	return nil
}

func (p *Partition) region(gpa uint64, size uint64) *MappedRegion {
	for i := range p.regions {
		if p.regions[i].contains(gpa, size) {
			return &p.regions[i]
		}
	}
	return nil
}

// ReadPhysicalMemory copies out of the host backing of the containing
// region.
func (p *Partition) ReadPhysicalMemory(gpa uint64, buf []byte) error {
	r := p.region(gpa, uint64(len(buf)))
	if r == nil {
		return ErrNoRegion
	}
	host := unsafe.Slice((*byte)(unsafe.Pointer(r.Host)), r.Size)
	copy(buf, host[gpa-r.Base:])
	return nil
}

// WritePhysicalMemory scatters into the host backing of the containing
// region. Host-side writes do not mark pages dirty; only guest writes
// do.
func (p *Partition) WritePhysicalMemory(gpa uint64, data []byte) error {
	r := p.region(gpa, uint64(len(data)))
	if r == nil {
		return ErrNoRegion
	}
	host := unsafe.Slice((*byte)(unsafe.Pointer(r.Host)), r.Size)
	copy(host[gpa-r.Base:], data)
	return nil
}

// QueryGpaRange returns the per-page dirty bitmap for the range,
// covering guest writes since the last query.
func (p *Partition) QueryGpaRange(gpa uint64, size uint64) (uint64, error) {
	return p.sys.QueryGpaRangeDirtyBitmap(gpa, size)
}

// FlushGpaRange clears dirty tracking for the range without reading
// the bitmap.
func (p *Partition) FlushGpaRange(gpa uint64, size uint64) error {
	return p.sys.FlushGpaRangeDirtyBitmap(gpa, size)
}

// TranslateGva resolves gva through the hypervisor's own walker.
func (p *Partition) TranslateGva(gva uint64) (uint64, error) {
	return p.sys.TranslateGva(gva)
}
