// Package server assembles the kernel host: the kernel, the bootloader and
// background relays in front of it, the module loaders, and the gin router
// that exposes the websocket bridge, the dashboard API and metrics.
//
// Startup order matters. The relays are attached first, persistent modules
// are warmed up by Boot, and only then is the bootloader opened so that page
// traffic never reaches a kernel that is still booting.
package server
