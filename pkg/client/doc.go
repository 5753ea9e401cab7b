/*
Package client provides a Go client for the anchor HTTP API.

It is used by the anchor CLI for the administrative commands and can be
embedded by producers that record collection events programmatically.

	c := client.NewClient("http://127.0.0.1:8080", 10*time.Second)

	stats, err := c.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Println(stats.Events[types.SyncStatusFailed])

Errors returned by the server keep their kind, so callers can branch with
errors.IsKind(err, errors.KindNotFound). A server that cannot be reached
yields a CONNECTION error.
*/
package client
