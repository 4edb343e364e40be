// Package cnwloader is the client side of the CNW loader protocol: it
// authenticates a user against a license authority, keeps an encrypted
// session alive with periodic heartbeats and keeps checking that the process
// runs in a trusted environment.
//
// Install with:
//
//	go get github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader
//
// # Quick Start
//
//	client := cnwloader.New("https://auth.example.com",
//	    cnwloader.WithTrustedServerKey(serverKeyBase64),
//	)
//	defer client.Close(ctx)
//
//	if !client.Initialize(ctx) || !client.Login(ctx, user, pass) || !client.ValidateLicense(ctx) {
//	    d, _ := client.LastDiagnostic()
//	    log.Fatalf("license check failed: %s: %v", d.Code, d.Err)
//	}
//
// Once ValidateLicense succeeds the session is Active and a background
// heartbeat runs every 30 seconds until Close.
//
// # Failure handling
//
// Operations return booleans. The reason behind a false is available from
// LastDiagnostic or a hook registered with WithDiagnosticHook. Network
// failures suspend an active session and it resumes on the next successful
// heartbeat. A revoked license, a banned account or a fatal integrity verdict
// bans the session; a banned or closed session never talks to the network
// again.
package cnwloader
