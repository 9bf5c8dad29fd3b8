// -------------------------------------------------------------------------------
// Version - Build Metadata
//
// Author: Alex Freidah
//
// Service version stamped in at link time.
// -------------------------------------------------------------------------------

package telemetry

// Version is the service version, set at build time via
// -ldflags "-X github.com/afreidah/qr-landing/internal/telemetry.Version=...".
var Version = "dev"
