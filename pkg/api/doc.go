/*
Package api exposes the replication log of a running application over gRPC.

API stub generation is deliberately out of scope for the core, so the
service is registered through a hand-written grpc.ServiceDesc and both
sides force the weir-json codec; messages are the plain structs of this
package and pkg/types.

# Service

	weir.Replication/DescribeApplication
	    -> endpoints (schema, cache name, next position) + storage identity

	weir.Replication/GetLog
	    -> Persisted segment pointer | in-memory operations

GetLog honors the log read contract: a response serves at least the
requested start and may be short of the requested end. When the start
falls in a persisted segment the response is a pointer and the client
downloads the segment from object storage itself.

The service boundary carries no authentication or TLS; deployments front
it with their own transport security.
*/
package api
