// Package gateway composes the trust verifier, the admission controller and
// the protocol normalizer into one request pipeline.
//
// A Core runs, in order: peer certificate verification for mutually
// authenticated requests, admission by endpoint and optional peer,
// normalization into canonical JSON-RPC, and the Executor. The executor's
// JSON-RPC response is encoded back into the protocol the request arrived in.
//
//	core, err := gateway.New(cfg, gateway.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer core.Close()
//
//	res, err := core.Process(ctx, &gateway.Request{Endpoint: "/rpc", Payload: body})
//
// Reload swaps the admission controller and normalizer from a new
// configuration snapshot without interrupting requests in flight.
package gateway
