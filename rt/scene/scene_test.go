package scene

import (
	"encoding/binary"
	"testing"

	"github.com/gekko3d/scenert/rt/gfx"
	"github.com/gekko3d/scenert/rt/gfx/soft"
	"github.com/gekko3d/scenert/rt/pipelines"
	"github.com/stretchr/testify/require"
)

// uploadData copies each {srcOffset, dstOffset, size} dword chunk.
func uploadData(inv *soft.Invocation) error {
	c := inv.Command.Constants
	le := binary.LittleEndian
	dst, src, meta, count := le.Uint64(c[0:]), le.Uint64(c[8:]), le.Uint64(c[16:]), le.Uint32(c[24:])
	chunks, err := inv.Device.Resolve(meta, uint64(count)*UploadChunkSize)
	if err != nil {
		return err
	}
	for i := range count {
		ch := chunks[i*UploadChunkSize:]
		so, do, size := uint64(le.Uint32(ch[0:]))*4, uint64(le.Uint32(ch[4:]))*4, uint64(le.Uint32(ch[8:]))*4
		in, err := inv.Device.Resolve(src+so, size)
		if err != nil {
			return err
		}
		out, err := inv.Device.Resolve(dst+do, size)
		if err != nil {
			return err
		}
		copy(out, in)
	}
	return nil
}

// updateInstanceNodes copies scratch rows into the instance node buffer
// and bumps the update frame of touch-only entries.
func updateInstanceNodes(inv *soft.Invocation) error {
	c := inv.Command.Constants
	le := binary.LittleEndian
	nodes, src, list := le.Uint64(c[0:]), le.Uint64(c[8:]), le.Uint64(c[16:])
	count, frame := le.Uint32(c[24:]), le.Uint32(c[28:])
	entries, err := inv.Device.Resolve(list, uint64(count)*nodeUpdateEntry)
	if err != nil {
		return err
	}
	for i := range count {
		idx, off := le.Uint32(entries[i*8:]), le.Uint32(entries[i*8+4:])
		row, err := inv.Device.Resolve(nodes+uint64(idx)*InstanceNodeInfoSize, InstanceNodeInfoSize)
		if err != nil {
			return err
		}
		if off != instanceTouchOnly {
			in, err := inv.Device.Resolve(src+uint64(off), InstanceNodeInfoSize)
			if err != nil {
				return err
			}
			copy(row, in)
		}
		le.PutUint32(row[12:], frame)
	}
	return nil
}

// copyRenderPassInfo writes whole rows, ignoring the dirty masks.
func copyRenderPassInfo(inv *soft.Invocation) error {
	c := inv.Command.Constants
	le := binary.LittleEndian
	dst, src, list, count := le.Uint64(c[0:]), le.Uint64(c[8:]), le.Uint64(c[16:]), le.Uint32(c[24:])
	entries, err := inv.Device.Resolve(list, uint64(count)*passListEntry)
	if err != nil {
		return err
	}
	for i := range count {
		idx := le.Uint32(entries[i*passListEntry:])
		in, err := inv.Device.Resolve(src+uint64(i)*PassInfoSize, PassInfoSize)
		if err != nil {
			return err
		}
		out, err := inv.Device.Resolve(dst+uint64(idx)*PassInfoSize, PassInfoSize)
		if err != nil {
			return err
		}
		copy(out, in)
	}
	return nil
}

type fixture struct {
	dev   *soft.Device
	pipes *pipelines.Pipelines
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dev := soft.New(
		soft.WithKernel(pipelines.UploadData, uploadData),
		soft.WithKernel(pipelines.UpdateInstanceNodes, updateInstanceNodes),
		soft.WithKernel(pipelines.CopyRenderPassInfo, copyRenderPassInfo),
	)
	pipes, err := pipelines.New(dev, pipelines.NoShaders{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, dev.WaitIdle())
		pipes.Destroy()
		dev.Close()
	})
	return &fixture{dev: dev, pipes: pipes}
}

// record runs fn on a fresh context, submits it and waits for completion.
// It returns the commands fn recorded.
func (f *fixture) record(t *testing.T, fn func(ctx gfx.Context)) []soft.Command {
	t.Helper()
	ctx, err := f.dev.CreateContext(gfx.QueueGraphics)
	require.NoError(t, err)
	require.NoError(t, ctx.Begin())
	fn(ctx)
	cmds := ctx.(*soft.Context).Recorded()
	require.NoError(t, ctx.End())
	require.NoError(t, f.dev.Submit(gfx.SubmitDesc{Contexts: []gfx.Context{ctx}}))
	require.NoError(t, f.dev.WaitIdle())
	require.NoError(t, f.dev.Err())
	return cmds
}

func dispatchesOf(cmds []soft.Command, pipeline string) []soft.Command {
	var out []soft.Command
	for _, c := range cmds {
		if (c.Kind == soft.CmdDispatch || c.Kind == soft.CmdDispatchIndirect) && c.Pipeline == pipeline {
			out = append(out, c)
		}
	}
	return out
}

func countKind(cmds []soft.Command, kind soft.CommandKind) int {
	n := 0
	for _, c := range cmds {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

func u32At(b []byte, off uint64) uint32 { return binary.LittleEndian.Uint32(b[off:]) }

func u64At(b []byte, off uint64) uint64 { return binary.LittleEndian.Uint64(b[off:]) }
