// Package formd exposes the Go APIs behind the server-side form submission
// engine: exactly-once acceptance of untrusted browser submissions using
// only a filesystem for state. No database, no daemon, no shared memory;
// every guarantee reduces to an atomic filesystem primitive, so the engine
// survives process restarts and concurrent workers sharing one directory.
//
// # Embedding the engine
//
//	registry, err := formd.NewRegistry(formd.Form{
//	    ID: "contact",
//	    Fields: []formd.Field{
//	        {Name: "email", Kind: formd.KindEmail, Required: true},
//	        {Name: "message", Kind: formd.KindTextarea, Required: true},
//	        {Name: "website", Kind: formd.KindHoneypot},
//	        {Name: "attachment", Kind: formd.KindFile},
//	    },
//	})
//	if err != nil { log.Fatal(err) }
//
//	cfg := formd.DefaultConfig()
//	cfg.PrivateRoot = "/srv/site/uploads/.formd"
//	engine, err := formd.New(cfg,
//	    formd.WithForms(registry),
//	    formd.WithDeliverer(mailer),
//	)
//	if err != nil { log.Fatal(err) }
//
// Rendering a form mints a token; posting one runs the pipeline:
//
//	minted, err := engine.Mint(ctx, "contact", formd.ModeHidden, nil)
//	// embed minted.Identity in the rendered page
//
//	result, err := engine.Submit(ctx, "contact", formd.Request{
//	    ClientID:      remoteIP,
//	    TokenIdentity: postedIdentity,
//	    ModeClaim:     formd.ModeHidden,
//	    Values:        postedValues,
//	})
//
// The Result is always terminal: result.OK means the submission was
// accepted exactly once and handed to the Deliverer; otherwise
// result.ErrorCode and result.StatusCode say how to answer, and
// result.Values carries the user's input back for re-rendering.
//
// # Duplicate suppression
//
// Every submission resolves to a submission identifier derived from its
// token. Acceptance is the exclusive creation of a ledger marker file for
// that identifier: whichever retry creates the file wins, every other one
// observes duplicate. Double-clicks, browser retries after timeouts, and
// concurrent workers all collapse onto that single filesystem operation.
//
// # Garbage collection
//
// State expires by file age and is swept by RunGC, typically from cron via
// the bundled CLI. Runs are serialized by a lock file and bounded by a scan
// budget so they stay safe to schedule aggressively.
//
//	summary, err := engine.RunGC(ctx, formd.GCOptions{BatchLimit: 5000})
package formd
