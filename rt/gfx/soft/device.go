// Package soft is a CPU implementation of the gfx interfaces. Copies,
// clears and decompression execute on host memory; dispatches and draws are
// recorded and optionally run through CPU kernels registered per pipeline
// name. Each queue executes submissions on its own goroutine so timeline
// waits behave like they would on a GPU.
package soft

import (
	"bytes"
	"compress/flate"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gekko3d/scenert/rt/core"
	"github.com/gekko3d/scenert/rt/gfx"
)

const (
	addressBase      = 1 << 32
	addressAlignment = 256
	scratchChunkSize = 4 << 20
)

// Kernel emulates a shader for one recorded dispatch.
type Kernel func(inv *Invocation) error

// Invocation is the state a kernel sees.
type Invocation struct {
	Device  *Device
	Command Command
	// Groups is the workgroup count, resolved from the argument buffer for
	// indirect dispatches.
	Groups [3]uint32
}

type Option func(*Device)

// WithGDeflate advertises GPU decompression; the device inflates raw
// DEFLATE streams.
func WithGDeflate() Option {
	return func(d *Device) { d.features.GDeflate = true }
}

// WithMemoryLimit makes allocations fail once limit bytes are in use.
func WithMemoryLimit(limit uint64) Option {
	return func(d *Device) { d.memLimit = limit }
}

func WithKernel(name string, k Kernel) Option {
	return func(d *Device) { d.kernels[name] = k }
}

func WithLogger(l core.Logger) Option {
	return func(d *Device) { d.log = core.ForComponent(l, "soft") }
}

type Device struct {
	features gfx.Features
	log      core.Logger
	nextID   atomic.Uint64

	mu       sync.Mutex
	nextAddr uint64
	buffers  []*Buffer
	memLimit uint64
	memUsed  uint64
	kernels  map[string]Kernel

	queueMu sync.Mutex
	queues  [gfx.QueueCount]*queue
	idle    sync.WaitGroup

	logMu    sync.Mutex
	executed []Command
	errs     []error
}

var _ gfx.Device = (*Device)(nil)

func New(opts ...Option) *Device {
	d := &Device{
		features: gfx.Features{MeshShader: true, DeviceAddress: true},
		nextAddr: addressBase,
		kernels:  map[string]Kernel{},
		log:      core.NewNopLogger(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Device) Features() gfx.Features { return d.features }

// RegisterKernel installs or replaces the CPU kernel for a pipeline name.
func (d *Device) RegisterKernel(name string, k Kernel) {
	d.mu.Lock()
	d.kernels[name] = k
	d.mu.Unlock()
}

func (d *Device) newID() gfx.Handle { return gfx.Handle(d.nextID.Add(1)) }

func (d *Device) CreateBuffer(desc gfx.BufferDesc) (gfx.Buffer, error) {
	if desc.Size == 0 {
		return nil, fmt.Errorf("soft: create buffer %q: zero size", desc.Name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.memLimit != 0 && d.memUsed+desc.Size > d.memLimit {
		return nil, fmt.Errorf("soft: create buffer %q (%d bytes): %w", desc.Name, desc.Size, gfx.ErrOutOfMemory)
	}
	b := &Buffer{
		dev:  d,
		id:   d.newID(),
		desc: desc,
		data: make([]byte, desc.Size),
		addr: d.nextAddr,
	}
	d.nextAddr += core.AlignUp(desc.Size, addressAlignment)
	d.memUsed += desc.Size
	d.buffers = append(d.buffers, b)
	return b, nil
}

func (d *Device) releaseBuffer(b *Buffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := sort.Search(len(d.buffers), func(i int) bool { return d.buffers[i].addr >= b.addr })
	if i < len(d.buffers) && d.buffers[i] == b {
		d.buffers = append(d.buffers[:i], d.buffers[i+1:]...)
		d.memUsed -= b.desc.Size
	}
}

// MemoryUsed returns the bytes held by live buffers.
func (d *Device) MemoryUsed() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.memUsed
}

// Resolve maps a device address range to host memory.
func (d *Device) Resolve(addr, size uint64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := sort.Search(len(d.buffers), func(i int) bool { return d.buffers[i].addr > addr }) - 1
	if i < 0 {
		return nil, fmt.Errorf("soft: address %#x: %w", addr, gfx.ErrInvalidHandle)
	}
	b := d.buffers[i]
	off := addr - b.addr
	if off+size > uint64(len(b.data)) {
		return nil, fmt.Errorf("soft: address range %#x+%d outside buffer %q", addr, size, b.desc.Name)
	}
	return b.data[off : off+size], nil
}

// Bytes exposes the memory of any buffer regardless of memory type.
func Bytes(b gfx.Buffer) []byte {
	if sb, ok := b.(*Buffer); ok {
		return sb.data
	}
	return nil
}

// SliceBytes exposes the memory behind a buffer slice.
func SliceBytes(s gfx.BufferSlice) []byte {
	return Bytes(s.Buffer)[s.Offset : s.Offset+s.Size]
}

func (d *Device) CreateImage(desc gfx.ImageDesc) (gfx.Image, error) {
	if desc.Extent.Width == 0 || desc.Extent.Height == 0 {
		return nil, fmt.Errorf("soft: create image %q: empty extent", desc.Name)
	}
	desc.MipCount = max(desc.MipCount, 1)
	desc.LayerCount = max(desc.LayerCount, 1)
	desc.Extent.Depth = max(desc.Extent.Depth, 1)
	return &Image{dev: d, id: d.newID(), desc: desc, subs: map[gfx.ImageSubresource][]byte{}}, nil
}

func (d *Device) CreateSampler(desc gfx.SamplerDesc) (gfx.Sampler, error) {
	return &Sampler{id: d.newID(), desc: desc}, nil
}

func (d *Device) CreateSemaphore(desc gfx.SemaphoreDesc) (gfx.Semaphore, error) {
	s := &Semaphore{id: d.newID(), value: desc.Initial}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

func (d *Device) CreateComputePipeline(desc gfx.ComputePipelineDesc) (gfx.ComputePipeline, error) {
	if desc.Name == "" {
		return nil, errors.New("soft: compute pipeline needs a name")
	}
	wg := desc.WorkgroupSize
	for i := range wg {
		wg[i] = max(wg[i], 1)
	}
	return &ComputePipeline{id: d.newID(), name: desc.Name, wg: wg}, nil
}

func (d *Device) CreateGraphicsPipeline(desc gfx.GraphicsPipelineDesc) (gfx.GraphicsPipeline, error) {
	if desc.Name == "" {
		return nil, errors.New("soft: graphics pipeline needs a name")
	}
	return &GraphicsPipeline{id: d.newID(), desc: desc}, nil
}

func (d *Device) CreateDescriptorArray(desc gfx.DescriptorArrayDesc) (gfx.DescriptorArray, error) {
	return &DescriptorArray{id: d.newID(), descs: make([]gfx.Descriptor, desc.Size)}, nil
}

func (d *Device) CreateRenderState(desc gfx.RenderStateDesc) (gfx.RenderState, error) {
	return &RenderState{id: d.newID(), desc: desc}, nil
}

func (d *Device) CreateContext(q gfx.Queue) (gfx.Context, error) {
	if q < 0 || q >= gfx.QueueCount {
		return nil, fmt.Errorf("soft: create context: %w: %v", gfx.ErrUnsupported, q)
	}
	return &Context{dev: d, queue: q}, nil
}

func (d *Device) Submit(desc gfx.SubmitDesc) error {
	if len(desc.Contexts) == 0 && len(desc.Signal) == 0 {
		return nil
	}
	q := gfx.QueueGraphics
	sub := &submission{wait: desc.Wait, signal: desc.Signal, done: make(chan struct{})}
	for i, c := range desc.Contexts {
		sc, ok := c.(*Context)
		if !ok {
			return fmt.Errorf("soft: submit: %w: foreign context", gfx.ErrInvalidHandle)
		}
		if i == 0 {
			q = sc.queue
		}
		cmds, tracked := sc.takeRecorded(sub.done)
		sub.cmds = append(sub.cmds, cmds...)
		sub.tracked = append(sub.tracked, tracked...)
	}
	d.idle.Add(1)
	d.queue(q).push(sub)
	return nil
}

func (d *Device) queue(q gfx.Queue) *queue {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()
	if d.queues[q] == nil {
		d.queues[q] = newQueue(d, q)
	}
	return d.queues[q]
}

func (d *Device) WaitIdle() error {
	d.idle.Wait()
	return d.Err()
}

// Close drains every queue and stops the queue goroutines.
func (d *Device) Close() {
	d.idle.Wait()
	d.queueMu.Lock()
	defer d.queueMu.Unlock()
	for i, q := range d.queues {
		if q != nil {
			q.stop()
			d.queues[i] = nil
		}
	}
}

// Err returns the first execution error, if any.
func (d *Device) Err() error {
	d.logMu.Lock()
	defer d.logMu.Unlock()
	return errors.Join(d.errs...)
}

// Commands returns a copy of every command executed so far, in queue
// execution order.
func (d *Device) Commands() []Command {
	d.logMu.Lock()
	defer d.logMu.Unlock()
	return append([]Command(nil), d.executed...)
}

// ResetCommands clears the executed command log.
func (d *Device) ResetCommands() {
	d.logMu.Lock()
	d.executed = nil
	d.logMu.Unlock()
}

// Dispatches returns executed dispatches of the named pipeline.
func (d *Device) Dispatches(pipeline string) []Command {
	var out []Command
	for _, c := range d.Commands() {
		if (c.Kind == CmdDispatch || c.Kind == CmdDispatchIndirect) && (pipeline == "" || c.Pipeline == pipeline) {
			out = append(out, c)
		}
	}
	return out
}

func (d *Device) fail(err error) {
	d.log.Errorf("%v", err)
	d.logMu.Lock()
	d.errs = append(d.errs, err)
	d.logMu.Unlock()
}

func (d *Device) record(c Command) {
	d.logMu.Lock()
	d.executed = append(d.executed, c)
	d.logMu.Unlock()
}

func (d *Device) kernel(name string) Kernel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.kernels[name]
}

func inflate(dst, src []byte) error {
	r := flate.NewReader(bytes.NewReader(src))
	defer r.Close()
	if _, err := io.ReadFull(r, dst); err != nil {
		return fmt.Errorf("soft: inflate: %w", err)
	}
	return nil
}

type submission struct {
	cmds    []Command
	tracked []gfx.Destroyer
	wait    []gfx.SemaphoreValue
	signal  []gfx.SemaphoreValue
	done    chan struct{}
}

type queue struct {
	dev  *Device
	q    gfx.Queue
	mu   sync.Mutex
	cond *sync.Cond
	subs []*submission
	quit bool
	wg   sync.WaitGroup
}

func newQueue(d *Device, q gfx.Queue) *queue {
	qu := &queue{dev: d, q: q}
	qu.cond = sync.NewCond(&qu.mu)
	qu.wg.Add(1)
	go qu.run()
	return qu
}

func (q *queue) push(s *submission) {
	q.mu.Lock()
	q.subs = append(q.subs, s)
	q.cond.Signal()
	q.mu.Unlock()
}

func (q *queue) stop() {
	q.mu.Lock()
	q.quit = true
	q.cond.Signal()
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *queue) run() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for len(q.subs) == 0 && !q.quit {
			q.cond.Wait()
		}
		if len(q.subs) == 0 {
			q.mu.Unlock()
			return
		}
		s := q.subs[0]
		q.subs = q.subs[1:]
		q.mu.Unlock()
		q.execute(s)
	}
}

func (q *queue) execute(s *submission) {
	for _, w := range s.wait {
		if err := w.Semaphore.Wait(context.Background(), w.Value); err != nil {
			q.dev.fail(fmt.Errorf("soft: %v queue wait: %w", q.q, err))
		}
	}
	for _, c := range s.cmds {
		c.Queue = q.q
		if err := q.dev.exec(&c); err != nil {
			q.dev.fail(fmt.Errorf("soft: %v queue %v: %w", q.q, c.Kind, err))
		}
		q.dev.record(c)
	}
	for _, sig := range s.signal {
		if err := sig.Semaphore.Signal(sig.Value); err != nil {
			q.dev.fail(err)
		}
	}
	for _, t := range s.tracked {
		t.Destroy()
	}
	close(s.done)
	q.dev.idle.Done()
}
