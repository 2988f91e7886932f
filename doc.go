// Package hookrelay makes payment event webhooks resilient in both directions.
//
// Outbound events are signed, delivered through a per-destination circuit
// breaker, retried with exponential backoff and, once their attempts are
// used up, moved to a bounded dead letter queue that retries them on its own
// schedule. Inbound webhooks are verified, deduplicated by vendor event id,
// mapped to canonical event types and dispatched to registered handlers.
//
// Storage is pluggable: memory, Redis, PostgreSQL, SQLite, MongoDB and Bun
// backends live under store/.
//
// Quick start:
//
//	r, err := hookrelay.New(
//	    hookrelay.WithStore(memory.New()),
//	    hookrelay.WithSecret(secret),
//	    hookrelay.WithSource(inbound.StripeSource(stripeSecret, 0, nil)),
//	    hookrelay.WithFamilyHandler(event.FamilyDispute, disputes),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := r.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer r.Stop(ctx)
//
//	r.Send(ctx, &event.Event{
//	    Type:        event.TypePaymentCaptured,
//	    Destination: "https://merchant.example/webhooks",
//	    Payload:     json.RawMessage(`{"amount":1000}`),
//	})
package hookrelay
