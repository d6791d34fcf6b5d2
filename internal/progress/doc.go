// Package progress works out what to show as the progress of a download job.
//
// Most jobs need no request: deleted, finished, queued and preparing jobs
// are decided from the job record alone (see [Decide]). Restoring and paused
// jobs with a prepared id are asked about at the IDS.
//
// # Usage
//
//	poller := progress.NewPoller(client, idsURL, reporter, m)
//	prog, err := poller.Poll(ctx, job)
//	if errors.Is(err, progress.ErrSuperseded) {
//	    // a newer poll for the same job owns the result
//	}
//
//	watcher := progress.NewWatcher(list, poller, progress.WatchOptions{})
//	watcher.Start(ctx)
//	defer watcher.Stop()
//
// # Output Format
//
//	[dgcart] #12 LILS_2024-01-01.zip | RESTORING | 45.5% | 1.20 GB
//	[dgcart] #13 LILS_2024-01-02.zip | COMPLETE | 100% | 310.00 MB
//	[dgcart] Watched 2 downloads for 1m 5s | 1 complete
package progress
