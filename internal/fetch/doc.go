// Package fetch retrieves prepared download archives from the IDS and
// stores them in a gocloud blob bucket.
//
// A job can be fetched once it is COMPLETE and has a prepared id. The archive
// is streamed from
//
//	{idsUrl}/getData?sessionId=...&preparedId=...&outname={fileName}
//
// straight into a blob writer, so nothing is buffered on local disk. An
// archive that already exists in the bucket is left alone unless Overwrite
// is set.
//
// # Usage
//
//	f := fetch.New(client, bucket, reporter, fetch.Options{
//	    IDSURL: cfg.IDSURL,
//	    Prefix: "archives/",
//	})
//	res, err := f.Fetch(ctx, job)
//
// FetchAll runs a bounded worker pool over many jobs and stops early once
// MaxConsecutiveFailures fetches in a row have failed.
package fetch
