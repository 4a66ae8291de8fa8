// Package udpc implements a connection-oriented transport over UDP.
//
// A Context owns one bound UDP socket and the connections made through it.
// Connections are named by the peer's netip.AddrPort. Each connection has a
// bounded send queue; queued payloads are sent as individual datagrams during
// update ticks, without retransmission. Acknowledgements exist to keep
// connections alive, detect duplicates and measure round-trip time.
//
// # Execution modes
//
// In polled mode the application drives the Context:
//
//	ctx, err := udpc.New(opts)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer ctx.Destroy()
//
//	ctx.OnReceived(func(addr netip.AddrPort, payload []byte) {
//		fmt.Printf("%s: %s\n", addr, payload)
//	})
//
//	for {
//		ctx.Update()
//		ctx.CheckEvents()
//		time.Sleep(10 * time.Millisecond)
//	}
//
// In threaded mode, created with NewThreaded, a background worker runs the
// tick every Options.UpdateInterval and the application only calls
// CheckEvents. Callbacks always run on the goroutine calling CheckEvents.
//
// # Errors
//
// Methods that can fail return an *OpError wrapping one of the package
// sentinel errors, and record an ErrorCode that GetError returns and clears.
// Malformed datagrams and datagrams carrying a foreign protocol id are never
// reported as errors; they are dropped and logged at debug level.
//
// # Configuration
//
// Options can be built in code with NewOptions or loaded from YAML with
// LoadOptions. The UDPC_LISTEN_ADDR, UDPC_PROTOCOL_ID,
// UDPC_ACCEPT_NEW_CONNECTIONS, UDPC_LOG_LEVEL and UDPC_UPDATE_INTERVAL
// environment variables override file values.
package udpc
