// Package pagination fetches every page of a backend list endpoint.
//
// Pages are requested one after another starting at page 1, each through the
// scheduler-gated, retrying client. The loop ends on an empty page, on a page
// shorter than the requested size, or once MaxPages pages were read.
//
// Example usage:
//
//	fetcher := pagination.New(apiClient)
//	res := fetcher.FetchAll(ctx, records.ObjectPath("object_12"), filter,
//		pagination.WithPageSize(500))
//	if res.Partial {
//		// proceed with res.Records, degraded
//	}
//
// Failures never discard records already fetched: FetchAll reports them in
// Result.Err and marks the result Partial.
package pagination
