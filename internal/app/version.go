package app

// Version is the build version, overridden at link time:
//
//	go build -ldflags "-X github.com/heronchat/heron/internal/app.Version=v1.2.3"
var Version = "dev"
