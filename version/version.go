package version

// Version is the build-time version stamp, overridden with -ldflags.
var Version string = "0.0.0"
