// mint issues an ingest token offline, for local testing and ops
// tooling. Production tokens come from POST /v1/tokens.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"scriba.dev/internal/token"
	"scriba.dev/internal/transcript"
)

func main() {
	var (
		secret    = flag.String("secret", os.Getenv("SCRIBA_AUTH_SECRET"), "HMAC signing secret")
		meetingID = flag.String("meeting", "", "Meeting identifier")
		userID    = flag.String("user", "", "Requesting user identifier")
		platform  = flag.String("platform", "", "Meeting platform (google_meet, teams, zoom)")
		nativeID  = flag.String("native", "", "Platform-native meeting identifier")
		ttl       = flag.Duration("ttl", 30*time.Minute, "Token lifetime")
	)
	flag.Parse()

	if *secret == "" || *meetingID == "" || *userID == "" {
		fmt.Fprintln(os.Stderr, "Usage: mint -meeting <id> -user <id> [-platform <name>] [-native <id>] [-ttl <dur>]")
		fmt.Fprintln(os.Stderr, "  Signing secret via -secret or SCRIBA_AUTH_SECRET")
		os.Exit(1)
	}

	authority, err := token.NewAuthority([]byte(*secret), token.WithTTL(*ttl))
	if err != nil {
		fmt.Fprintf(os.Stderr, "authority: %v\n", err)
		os.Exit(1)
	}

	tok, expires, err := authority.Mint(transcript.MeetingIdentity{
		MeetingID:       *meetingID,
		UserID:          *userID,
		Platform:        *platform,
		NativeMeetingID: *nativeID,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "mint: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(tok)
	fmt.Fprintf(os.Stderr, "expires: %s\n", expires.UTC().Format(time.RFC3339))
}
