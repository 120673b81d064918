// Command apartd is a long-running partition imaging daemon: it connects
// to a single IPC socket and orchestrates partclone-style imaging tools
// and compression filters on behalf of the client at the other end.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/apartd/apartd/internal/server"
	"github.com/apartd/apartd/pkg/alog"
)

const usage = `usage: apartd ipc://<address>

apartd connects to the given IPC address as a client and serves clone,
restore and device-enumeration requests until a kill-request arrives.
`

func main() {
	alog.AddLogger("stderr", os.Stderr, alog.INFO, true)

	if len(os.Args) != 2 || !strings.HasPrefix(os.Args[1], "ipc://") {
		fmt.Fprint(os.Stdout, usage)
		os.Exit(1)
	}

	addr := os.Args[1]

	s, err := server.New(addr)
	if err != nil {
		alog.Fatal("apartd: %v", err)
	}

	if err := s.Run(); err != nil {
		alog.Fatal("apartd: %v", err)
	}
}
