package types

// Version is the canonical project version.
// The CLI, the sidecar record format, and the device config schema share
// this version under the lockstep versioning policy.
const Version = "0.4.0"
