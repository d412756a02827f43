package num

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/cpuid/v2"
	"k8s.io/klog/v2"
)

const queueSize = 64

// number of worker goroutines used by the parallel kernels, zero if not yet set
var numThreads int

// Device interface type
type Device interface {
	// Setup new worker queue
	NewQueue(threads int) Queue
	// Allocate new n dimensional array
	NewArray(dtype DataType, dims ...int) Array
	NewArrayLike(a Array) Array
}

// Initialise new device. Only the CPU backend is available, a GPU request falls back to it.
func NewDevice(useGPU bool) Device {
	if useGPU {
		klog.Warning("GPU device not available - using CPU")
	}
	return cpuDevice{}
}

// DeviceInfo describes the processor the CPU device runs on.
func DeviceInfo() string {
	c := cpuid.CPU
	var simd []string
	for _, id := range []cpuid.FeatureID{cpuid.SSE4, cpuid.AVX, cpuid.AVX2, cpuid.FMA3, cpuid.AVX512F} {
		if c.Supports(id) {
			simd = append(simd, id.String())
		}
	}
	return fmt.Sprintf("%s: %d cores %d threads [%s]", c.BrandName, c.PhysicalCores, c.LogicalCores,
		strings.Join(simd, " "))
}

// DefaultThreads returns the number of physical cores, or the number of CPUs if this is not known.
func DefaultThreads() int {
	if n := cpuid.CPU.PhysicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// A Queue processes a series of operations on a Device
type Queue interface {
	Device
	Dev() Device
	// Asyncronous function call
	Call(args ...Function) Queue
	// Wait for any pending requests to complete
	Finish()
	// Shutdown the queue and release any resources
	Shutdown()
	// Enable profiling
	Profiling(on bool)
	Profile() string
	PrintProfile()
}

// cpuDevice runs the operations in pure Go, BLAS calls use gonum
type cpuDevice struct{}

type cpuQueue struct {
	cpuDevice
	buffer [queueSize]Function
	queued int
	*profile
}

// NewQueue creates a new queue. Threads sets the number of goroutines used by the parallel
// kernels, if it is zero then the current setting is kept, defaulting to the number of physical cores.
func (d cpuDevice) NewQueue(threads int) Queue {
	if threads >= 1 {
		numThreads = threads
	} else if numThreads == 0 {
		numThreads = DefaultThreads()
	}
	return &cpuQueue{
		cpuDevice: d,
		profile:   newProfile(),
	}
}

func (q *cpuQueue) Dev() Device { return q.cpuDevice }

func (q *cpuQueue) exec() {
	for i := 0; i < q.queued; i++ {
		q.run(q.buffer[i])
		q.buffer[i] = nil
	}
	q.queued = 0
}

func (q *cpuQueue) run(f Function) {
	defer func() {
		if r := recover(); r != nil {
			panic(fmt.Sprintf("%v calling %s", r, opDesc(f)))
		}
	}()
	if q.profile.enabled {
		start := time.Now()
		f.call()
		f.usec = time.Since(start).Microseconds()
		q.profile.add(f)
	} else {
		f.call()
	}
}

func (q *cpuQueue) Call(args ...Function) Queue {
	for _, arg := range args {
		if q.queued >= queueSize {
			q.exec()
		}
		q.buffer[q.queued] = arg
		q.queued++
	}
	return q
}

func (q *cpuQueue) Finish() {
	if q.queued > 0 {
		q.exec()
	}
}

func (q *cpuQueue) Shutdown() {
	q.Finish()
	if q.profile.enabled {
		q.PrintProfile()
	}
}

// profiling functions
type profile struct {
	prof    map[string]profileRec
	enabled bool
}

type profileRec struct {
	name  string
	calls int64
	usec  int64
}

func newProfile() *profile {
	return &profile{prof: make(map[string]profileRec)}
}

func (p *profile) Profiling(on bool) {
	p.enabled = on
}

func (p *profile) add(f Function) {
	name := opDesc(f)
	r := p.prof[name]
	r.name = name
	r.calls++
	r.usec += f.usec
	p.prof[name] = r
}

// Profile returns a table with the number of calls and total time for each operation.
func (p *profile) Profile() string {
	list := make([]profileRec, 0, len(p.prof))
	for _, v := range p.prof {
		list = append(list, v)
	}
	sort.Slice(list, func(i, j int) bool { return list[j].usec < list[i].usec })
	var totalCalls, totalUsec int64
	var b strings.Builder
	b.WriteString("== Profile ==\n")
	for _, r := range list {
		fmt.Fprintf(&b, "%-25s %8d calls %10.1f msec\n", r.name, r.calls, float64(r.usec)/1000)
		totalCalls += r.calls
		totalUsec += r.usec
	}
	fmt.Fprintf(&b, "%-25s %8d calls %10.1f msec\n", "TOTAL", totalCalls, float64(totalUsec)/1000)
	return b.String()
}

func (p *profile) PrintProfile() {
	fmt.Print(p.Profile())
}
