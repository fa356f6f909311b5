// Command hash-admin-key derives the PBKDF2 hash of an admin secret so the
// gateway can be configured with --admin-key-hash instead of the plaintext.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"castgate/internal/auth"
)

func main() {
	var secret string
	flag.StringVar(&secret, "secret", "", "admin secret to hash (reads CASTGATE_ADMIN_KEY when empty)")
	flag.Parse()

	if strings.TrimSpace(secret) == "" {
		secret = os.Getenv("CASTGATE_ADMIN_KEY")
	}
	if strings.TrimSpace(secret) == "" {
		fatalf("provide --secret or set CASTGATE_ADMIN_KEY")
	}
	if len(secret) < 8 {
		fatalf("admin secret must be at least 8 characters")
	}

	encoded, err := auth.HashAdminKey(secret)
	if err != nil {
		fatalf("hash admin key: %v", err)
	}

	fmt.Println(encoded)
	fmt.Fprintln(os.Stderr, "Set CASTGATE_ADMIN_KEY_HASH to this value and drop the plaintext secret.")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
