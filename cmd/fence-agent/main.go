// fence-agent is the agent-side companion CLI: it enrolls an agent process
// against the fence server and gates individual actions through the
// validation endpoint.
package main

import (
	"fmt"
	"os"
)

var AppVersion string

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "enroll":
		err = runEnroll(os.Args[2:])
	case "check":
		err = runCheck(os.Args[2:])
	case "version":
		fmt.Println(AppVersion)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: fence-agent <command> [flags]

Commands:
  enroll   Exchange a one-time enrollment key for this agent's credential
  check    Ask the fence whether an action is allowed (exit 0 allow, 3 deny)
  version  Print version`)
}
