package archive

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// MaxParallelReads bounds the reads in flight for one ReadAsync batch.
const MaxParallelReads = 8

// Request is one read of a ReadAsync batch. With Decode set Dst receives
// the raw payload, otherwise the stored bytes.
type Request struct {
	SubFile *SubFile
	Dst     []byte
	Decode  bool
}

// ReadAsync performs the reads on background goroutines and calls done
// once with the first error, if any, after every read has finished.
func (a *Archive) ReadAsync(ctx context.Context, reqs []Request, done func(error)) {
	go func() {
		done(a.ReadBatch(ctx, reqs))
	}()
}

// ReadBatch performs the reads of a batch concurrently and waits for them.
func (a *Archive) ReadBatch(ctx context.Context, reqs []Request) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxParallelReads)
	for _, req := range reqs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if req.Decode {
				return a.Read(req.SubFile, req.Dst)
			}
			return a.ReadCompressed(req.SubFile, req.Dst)
		})
	}
	return g.Wait()
}
