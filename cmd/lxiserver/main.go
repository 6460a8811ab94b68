// Command lxiserver runs the UPnP/DLNA media server.
package main

import "github.com/lximedia/lxiserver/internal/cli"

func main() {
	cli.Execute()
}
