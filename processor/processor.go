// Package processor runs registered operations on process signals:
// SIGINT/SIGTERM run the shutdown operations, SIGHUP the reload ones.
package processor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	Reload   = "reload"
	Shutdown = "shutdown"
)

type operation struct {
	name string
	fn   func() error
}

type Processor struct {
	ForceShutdownTimeout time.Duration // force shutdown timeout
	rChan                chan os.Signal
	mu                   sync.Mutex
	shutOps              []operation
	reloadOps            []operation
	wg                   sync.WaitGroup
	log                  *zap.SugaredLogger
	exit                 func(code int)
}

// New - creates new processor
func New(timeout time.Duration, log *zap.SugaredLogger) *Processor {
	return &Processor{
		ForceShutdownTimeout: timeout,
		rChan:                make(chan os.Signal, 1),
		log:                  log,
		exit:                 os.Exit,
	}
}

// Run assigns signals and starts processing
func (p *Processor) Run() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	signal.Notify(p.rChan, syscall.SIGHUP)
	ctxReload, cancel := context.WithCancel(context.Background())
	p.wg.Add(2)
	go p.processReloadSignal(ctxReload, stop)
	go p.processStopSignal(ctx, cancel)
}

// processReloadSignal runs the reload operations on every SIGHUP
func (p *Processor) processReloadSignal(ctx context.Context, cancel context.CancelFunc) {
	defer p.wg.Done()
	defer signal.Stop(p.rChan)
	for {
		select {
		case <-ctx.Done():
			p.log.Debugf("reload loop stopped")
			cancel()
			return
		case <-p.rChan:
			if err := p.Reload(); err != nil {
				p.log.Warnf("reload: %v", err)
			}
		}
	}
}

// processStopSignal runs Shutdown and forces exit once ForceShutdownTimeout passes
func (p *Processor) processStopSignal(ctx context.Context, cancel context.CancelFunc) {
	defer p.wg.Done()
	<-ctx.Done()
	tF := time.AfterFunc(p.ForceShutdownTimeout, func() {
		p.log.Warnf("timeout %d ms has been elapsed, force exit", p.ForceShutdownTimeout.Milliseconds())
		p.exit(1)
	})
	defer tF.Stop()
	if err := p.Shutdown(); err != nil {
		p.log.Warnf("shutdown: %v", err)
	}
	cancel()
}

// callProcess runs ops in registration order. Shutdown order matters:
// the store must be closed before the pool it reads through.
func (p *Processor) callProcess(ops []operation, process string) error {
	var errs error
	for _, op := range ops {
		if err := op.fn(); err != nil {
			p.log.Warnf("%s %s: failed (%s)", process, op.name, err.Error())
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", op.name, err))
			continue
		}
		p.log.Infof("%s %s: succeeded", process, op.name)
	}
	p.log.Infof("%s sequence completed", process)
	return errs
}

// Register registers a shutdown or reload operation. Registering a name
// twice replaces the earlier operation in place.
func (p *Processor) Register(process, operationName string, operationFunction func() error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ops *[]operation
	switch process {
	case Shutdown:
		ops = &p.shutOps
	case Reload:
		ops = &p.reloadOps
	default:
		return fmt.Errorf("%s process unknown", process)
	}
	for i := range *ops {
		if (*ops)[i].name == operationName {
			(*ops)[i].fn = operationFunction
			return nil
		}
	}
	*ops = append(*ops, operation{name: operationName, fn: operationFunction})
	return nil
}

// Operations returns the registered names of process, sorted
func (p *Processor) Operations(process string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ops := p.reloadOps
	if process == Shutdown {
		ops = p.shutOps
	}
	names := make([]string, 0, len(ops))
	for _, op := range ops {
		names = append(names, op.name)
	}
	sort.Strings(names)
	return names
}

func (p *Processor) snapshot(process string) []operation {
	p.mu.Lock()
	defer p.mu.Unlock()
	if process == Shutdown {
		return append([]operation(nil), p.shutOps...)
	}
	return append([]operation(nil), p.reloadOps...)
}

// Shutdown runs all shutdown operations
func (p *Processor) Shutdown() error {
	return p.callProcess(p.snapshot(Shutdown), Shutdown)
}

// Reload runs all reload operations
func (p *Processor) Reload() error {
	return p.callProcess(p.snapshot(Reload), Reload)
}

func (p *Processor) Wait() {
	p.wg.Wait()
}
