// satlink - audio transport for voice-assistant satellite devices.
//
// satlink accepts framed audio uploads from satellite microphones over TCP,
// hands each recording to a processing pipeline and streams the response
// audio back with per-chunk acknowledgement and retry.
package main

import "github.com/satlink-project/satlink/cmd/satlink/commands"

func main() {
	commands.Execute()
}
