// stmbench drives a contended counter workload against the STM and reports
// commit latency percentiles. With -local it runs against the in-process
// coordinator, which isolates the transaction machinery from network cost.
package main

import (
	"context"
	"flag"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/The-Alchemist/avout/common"
	"github.com/The-Alchemist/avout/coordinator"
	"github.com/The-Alchemist/avout/stm"
)

var (
	flagServers = flag.String("servers", "127.0.0.1:2181", "comma-separated coordinator endpoints")
	flagLocal   = flag.Bool("local", false, "use the in-process coordinator instead of ZooKeeper")
	flagWorkers = flag.Int("workers", 8, "concurrent workers")
	flagOps     = flag.Int("ops", 100, "transactions per worker")
	flagRoot    = flag.String("root", common.DefaultSTMRoot, "STM root path")
)

func main() {
	flag.Parse()

	cfg := common.DefaultConfig()
	cfg.STMRoot = *flagRoot

	var cluster *coordinator.MemCluster
	connect := func() (coordinator.Conn, error) {
		if *flagLocal {
			return cluster.Connect(), nil
		}
		return coordinator.Dial(strings.Split(*flagServers, ","), cfg.SessionTimeout)
	}
	if *flagLocal {
		cluster = coordinator.NewMemCluster()
	}

	setupConn, err := connect()
	if err != nil {
		log.Fatalf("[FATAL] connect: %v", err)
	}
	setup, err := stm.NewClient(setupConn, cfg)
	if err != nil {
		log.Fatalf("[FATAL] bind client: %v", err)
	}
	if _, err := setup.RefWithInit("bench-counter", 0); err != nil {
		log.Fatalf("[FATAL] seed counter: %v", err)
	}

	collector := common.NewStatisticsCollector("commit latency (us)", 50, time.Second)
	var collectorMu sync.Mutex

	log.Printf("[INFO] starting %d workers x %d ops", *flagWorkers, *flagOps)
	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < *flagWorkers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			conn, err := connect()
			if err != nil {
				log.Printf("[WARN] worker %d connect: %v", worker, err)
				return
			}
			client, err := stm.NewClient(conn, cfg)
			if err != nil {
				log.Printf("[WARN] worker %d bind: %v", worker, err)
				return
			}
			defer client.Close()
			counter, err := client.Ref("bench-counter")
			if err != nil {
				log.Printf("[WARN] worker %d ref: %v", worker, err)
				return
			}
			for op := 0; op < *flagOps; op++ {
				opStart := time.Now()
				err := client.RunInTransaction(context.Background(), func(txn *stm.Txn) error {
					_, err := txn.Alter(counter, func(current interface{}) (interface{}, error) {
						return current.(float64) + 1, nil
					})
					return err
				})
				if err != nil {
					log.Printf("[WARN] worker %d op %d: %v", worker, op, err)
					continue
				}
				collectorMu.Lock()
				collector.AddSample(float64(time.Since(opStart).Microseconds()))
				collectorMu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	counter, err := setup.Ref("bench-counter")
	if err != nil {
		log.Fatalf("[FATAL] ref: %v", err)
	}
	final, err := counter.Deref()
	if err != nil {
		log.Fatalf("[FATAL] deref: %v", err)
	}
	total := *flagWorkers * *flagOps
	log.Printf("[INFO] done: counter=%v expected=%d elapsed=%v (%.1f txn/s)",
		final, total, elapsed, float64(total)/elapsed.Seconds())
	if final != float64(total) {
		log.Fatalf("[FATAL] lost updates: counter=%v expected=%d", final, total)
	}
}
