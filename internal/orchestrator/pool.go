// Package orchestrator implements the Blackboard Orchestrator (C8): a
// wave scheduler that runs detectors in Stage order, with bounded
// parallelism within a stage, early-exit/immediate-block thresholds, and
// weighted-contribution aggregation.
package orchestrator

import "sync"

// runBounded runs each task in tasks with at most concurrency goroutines
// in flight at once, and waits for all of them to complete. Grounded on
// the common sized-worker-pool idiom (semaphore channel + WaitGroup) used
// throughout the pack for per-stage fan-out.
func runBounded(tasks []func(), concurrency int) {
	if concurrency <= 0 {
		concurrency = 1
	}
	if len(tasks) == 0 {
		return
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	wg.Add(len(tasks))
	for _, task := range tasks {
		task := task
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			task()
		}()
	}
	wg.Wait()
}
