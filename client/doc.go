// Package client provides the Go SDK for the editlock service.
//
// # Quick start
//
// The URL scheme decides the transport:
//
//   - https://host:9443 for TLS deployments
//   - http://host:9443 for trusted networks or local testing
//   - unix:///path/to/editlock.sock when the server listens on a local socket
//
// Low level calls map one to one onto the HTTP API:
//
//	cli, err := client.New("https://editlock.example.com", client.WithBearerToken(token))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res, err := cli.Acquire(ctx, "page:home", "")
//	if err != nil {
//	    log.Fatal(err) // transport failure after retries, or *client.APIError
//	}
//	if !res.Success {
//	    fmt.Println("held by", res.Lock.OwnerName)
//	}
//
// # Editing sessions
//
// Editors should use Session, which caches the last server answer, keeps
// the lock alive with a heartbeat timer and publishes Snapshot values for
// a conflict banner:
//
//	sess, err := cli.Open(ctx, "page:home")
//	if err != nil {
//	    log.Print(err) // sess is still usable
//	}
//	defer sess.Close()
//	sess.Subscribe(func(s client.Snapshot) {
//	    if s.Locked && !s.HasLock {
//	        fmt.Printf("%s has been editing for %s\n", s.OwnerLabel(), s.HeldFor(time.Now()))
//	    }
//	})
//	if res, err := sess.AcquireLock(ctx); err == nil && !res.Success {
//	    // banner already shows the holder
//	}
//
// Semantic negatives (conflict, not owner, forbidden takeover) are results,
// never errors, and are never retried. Transport failures are retried up to
// WithFailureRetries times; APIError responses are returned immediately.
package client
