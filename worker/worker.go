package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/jinzhu/copier"
	"github.com/rarydzu/fdpool/config"
	"github.com/rarydzu/fdpool/filepool"
	"github.com/rarydzu/fdpool/packstore"
	"github.com/rarydzu/fdpool/processor"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Worker struct {
	active bool
	sync.RWMutex
	Processor *processor.Processor
	Pool      *filepool.Pool
	Store     *packstore.Store
	log       *zap.SugaredLogger
	cfg       *config.Config
	out       io.Writer
}

// New opens the pool and the store described by cfg
func New(cfg *config.Config, log *zap.SugaredLogger) (*Worker, error) {
	w := &Worker{
		Processor: nil,
		log:       log,
		cfg:       &config.Config{},
		out:       os.Stderr,
	}
	if err := copier.Copy(w.cfg, cfg); err != nil {
		return nil, err
	}
	pool, err := filepool.New(w.cfg.MaxFds, w.log)
	if err != nil {
		return nil, err
	}
	store, err := packstore.Open(w.cfg.Path, pool, packstore.Options{
		MaxPackSize:     w.cfg.MaxPackSize,
		WriteBufferSize: w.cfg.WriteBufferSize,
		Concurrency:     w.cfg.Concurrency,
		ReadOnly:        w.cfg.ReadOnly,
	}, w.log)
	if err != nil {
		pool.Close()
		return nil, err
	}
	w.Pool = pool
	w.Store = store
	return w, nil
}

// Start registers shutdown and reload operations and starts signal handling
func (w *Worker) Start() error {
	w.Lock()
	defer w.Unlock()
	if w.active {
		return fmt.Errorf("Worker already active")
	}
	w.active = true
	w.Processor = processor.New(w.cfg.ShutdownTimeout, w.log)
	if err := w.Processor.Register(processor.Shutdown, "store", w.Store.Close); err != nil {
		return err
	}
	if err := w.Processor.Register(processor.Shutdown, "pool", w.Pool.Close); err != nil {
		return err
	}
	if err := w.Processor.Register(processor.Reload, "fdreport", w.reportFds); err != nil {
		return err
	}
	w.Processor.Run()
	return nil
}

// Close releases the store and the pool without signal handling
func (w *Worker) Close() error {
	if err := w.Store.Close(); err != nil {
		return err
	}
	return w.Pool.Close()
}

func (w *Worker) reportFds() error {
	r, err := w.FdReport()
	if err != nil {
		return err
	}
	w.log.Infof("open descriptors: process=%d pool=%d poolMax=%d budget=%d",
		r.ProcessFds, r.PoolFds, r.PoolMaxFds, r.Budget)
	w.Pool.DumpState(w.out, w.cfg.DebugMode)
	return nil
}

// FdReport compares what the pool owns with what the process has open
type FdReport struct {
	ProcessFds int32
	PoolFds    int
	PoolMaxFds int
	Budget     int
}

func (w *Worker) FdReport() (*FdReport, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	n, err := proc.NumFDs()
	if err != nil {
		return nil, err
	}
	return &FdReport{
		ProcessFds: n,
		PoolFds:    w.Pool.NumFdsUsed(),
		PoolMaxFds: w.Pool.MaxFdsUsed(),
		Budget:     w.Pool.MaxFds(),
	}, nil
}

// Verify reads back every live key, cfg.Concurrency at a time, and
// returns the number of keys checked.
func (w *Worker) Verify(ctx context.Context) (int, error) {
	keys, err := w.Store.Keys()
	if err != nil {
		return 0, err
	}
	limit := w.cfg.Concurrency
	if limit <= 0 {
		limit = packstore.DefaultConcurrency
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := w.Store.Get(key); err != nil {
				return fmt.Errorf("verify %q: %w", key, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	w.log.Infof("verified %d keys, pool used at most %d of %d descriptors", len(keys), w.Pool.MaxFdsUsed(), w.Pool.MaxFds())
	return len(keys), nil
}

func (w *Worker) Wait() {
	w.Processor.Wait()
}
