package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/rarydzu/fdpool/config"
	"github.com/rarydzu/fdpool/filepool"
	"github.com/rarydzu/fdpool/packstore"
	"github.com/rarydzu/fdpool/worker"
	"go.uber.org/zap"
)

var fPath = flag.String("path", "/tmp/fdpool", "Path to the store directory.")
var fMaxFds = flag.Int("max_fds", filepool.DefaultMaxFds, "Descriptor budget, negative values are relative to the open file limit.")
var fWriteBuffer = flag.Int("write_buffer", packstore.DefaultWriteBufferSize, "Write coalescing buffer of the active pack.")
var fMaxPackSize = flag.Int64("max_pack_size", packstore.DefaultMaxPackSize, "Size after which a new pack is started.")
var fConcurrency = flag.Int("concurrency", packstore.DefaultConcurrency, "Parallel reads for verify.")
var fReadOnly = flag.Bool("read_only", false, "Open the store read only.")
var fDev = flag.Bool("dev", false, "Run in development mode")

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: %s [flags] command [args]

Commands:
  put KEY VALUE   store VALUE under KEY
  get KEY         print the value of KEY
  delete KEY      delete KEY
  cat             print every record of every pack
  reindex         rebuild the index from the packs
  verify          read back every live key
  stats           print descriptor usage
  serve           keep the store open until SIGINT/SIGTERM, SIGHUP reports descriptors

Flags:
`, os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	logger, err := zap.NewProduction()
	if *fDev {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("Failed to initialize zap logger: %v", err)
	}
	sugarlog := logger.Sugar()
	defer sugarlog.Sync()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	w, err := worker.New(&config.Config{
		Path:            *fPath,
		MaxFds:          *fMaxFds,
		WriteBufferSize: *fWriteBuffer,
		MaxPackSize:     *fMaxPackSize,
		Concurrency:     *fConcurrency,
		DebugMode:       *fDev,
		ReadOnly:        *fReadOnly,
		ShutdownTimeout: 60 * time.Second,
	}, sugarlog)
	if err != nil {
		sugarlog.Fatalf("open %s: %v", *fPath, err)
	}

	if args[0] == "serve" {
		if err := w.Start(); err != nil {
			sugarlog.Fatalf("Start: %v", err)
		}
		w.Wait()
		return
	}

	cmdErr := run(w, args)
	if err := w.Close(); err != nil {
		sugarlog.Errorf("close: %v", err)
	}
	if cmdErr != nil {
		sugarlog.Fatalf("%s: %v", args[0], cmdErr)
	}
}

func run(w *worker.Worker, args []string) error {
	need := func(n int) error {
		if len(args) != n+1 {
			return fmt.Errorf("expected %d arguments, got %d", n, len(args)-1)
		}
		return nil
	}
	switch args[0] {
	case "put":
		if err := need(2); err != nil {
			return err
		}
		if err := w.Store.Put([]byte(args[1]), []byte(args[2])); err != nil {
			return err
		}
		return w.Store.Sync()
	case "get":
		if err := need(1); err != nil {
			return err
		}
		v, err := w.Store.Get([]byte(args[1]))
		if err != nil {
			return err
		}
		fmt.Printf("%s\n", v)
	case "delete":
		if err := need(1); err != nil {
			return err
		}
		if err := w.Store.Delete([]byte(args[1])); err != nil {
			return err
		}
		return w.Store.Sync()
	case "cat":
		return w.Store.Walk(func(rec *packstore.Record, pack uint32, offset int64) error {
			if rec.IsTombstoned() {
				fmt.Printf("%08d:%d\t%s\t<deleted>\n", pack, offset, rec.Key)
				return nil
			}
			fmt.Printf("%08d:%d\t%s\t%s\n", pack, offset, rec.Key, rec.Value)
			return nil
		})
	case "reindex":
		n, err := w.Store.Reindex()
		if err != nil {
			return err
		}
		fmt.Printf("%d keys\n", n)
	case "verify":
		n, err := w.Verify(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("%d keys ok\n", n)
	case "stats":
		packs, err := w.Store.Packs()
		if err != nil {
			return err
		}
		r, err := w.FdReport()
		if err != nil {
			return err
		}
		fmt.Printf("packs=%d budget=%d poolFds=%d poolMaxFds=%d processFds=%d\n",
			packs, r.Budget, r.PoolFds, r.PoolMaxFds, r.ProcessFds)
		w.Pool.DumpState(os.Stdout, *fDev)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
	return nil
}
