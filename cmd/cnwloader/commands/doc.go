// Package commands defines the cnwloader CLI and wires configuration,
// telemetry and storage into a loader client before any subcommand runs.
//
// Commands
//
//   - run             Authenticate, validate the license and hold the session
//   - fingerprint     Print this device's fingerprint
//   - integrity       Run the environment checks once and print the verdict
//   - mock-authority  Serve an in-memory license authority for local testing
//
// # Credentials
//
// The password is read from --password or CNW_LOADER_PASSWORD and is never
// logged.
package commands
