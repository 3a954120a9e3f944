// Command xmppd-useradd provisions a server account out of band, for
// operators who don't want to expose in-band registration, grounded on
// the original c/tools/useradd.c.
package main

import (
	"flag"
	"fmt"
	"os"

	"xmppd/internal/userstore"
)

func main() {
	os.Exit(run())
}

func run() int {
	dataDir := flag.String("datadir", "", "data directory (required)")
	username := flag.String("user", "", "username, the localpart of the JID (required)")
	password := flag.String("password", "", "account password (required)")
	domain := flag.String("domain", "localhost", "domain, for the printed confirmation only")
	flag.Parse()

	if *dataDir == "" || *username == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "Usage: xmppd-useradd -datadir <path> -user <username> -password <pass> [-domain <domain>]")
		return 1
	}

	store, err := userstore.New(*dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "xmppd-useradd: %v\n", err)
		return 1
	}

	if err := store.Create(*username, *password); err != nil {
		switch err {
		case userstore.ErrInvalidUsername:
			fmt.Fprintf(os.Stderr, "xmppd-useradd: invalid username %q: only alphanumeric, '.', '-', '_' allowed\n", *username)
		case userstore.ErrConflict:
			fmt.Fprintf(os.Stderr, "xmppd-useradd: user %q@%s already exists\n", *username, *domain)
		default:
			fmt.Fprintf(os.Stderr, "xmppd-useradd: %v\n", err)
		}
		return 1
	}

	fmt.Printf("User '%s@%s' created successfully.\n", *username, *domain)
	return 0
}
