// Package codec turns typed payloads into bytes for outbox records and saga
// state, and back.
//
// Serializers are looked up per Go type through a Registry. Types without a
// registered serializer get JSON, cached on first use:
//
//	codec.Register(codec.Default, codec.NewProto(func() *orderpb.Created { return &orderpb.Created{} }))
//	payload, err := codec.For[*orderpb.Created]().Serialize(msg)
package codec
