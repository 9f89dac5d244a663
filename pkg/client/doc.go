/*
Package client wraps the replication API for CLI and embedding use.

A Client couples the typed gRPC client with the object storage persisted
segments live in, so callers can both describe an application and stream
its logs without assembling the pieces themselves:

	c, err := client.New("localhost:50051", st)
	desc, err := c.Describe(ctx)
	r, err := c.NewReader(ctx, reader.Options{Endpoint: "users"})
	for {
	    op, err := r.ReadOne(ctx)
	    ...
	}
*/
package client
