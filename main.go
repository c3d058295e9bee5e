// tb-speakerd is a local hub for SoundTouch speakers: it discovers them,
// keeps their inventory, and answers their preset requests.
//
// Usage:
//
//	tb-speakerd serve                     # run the hub
//	tb-speakerd discover --dry-run        # one discovery cycle, print JSON
//	tb-speakerd presets set ID 1 --url URL
package main

import "github.com/tinkerbelle-io/tb-speakerd/cmd"

var version = "dev"

func main() {
	cmd.Execute(version)
}
