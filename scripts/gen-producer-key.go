//go:build ignore

// gen-producer-key.go generates an ed25519 keypair in the formats the
// ledger config expects: a hex seed for the producer (or for
// signing.ledger_key_seed) and a hex public key for the
// signing.producer_keys map.
//
// Run with: go run scripts/gen-producer-key.go [key-id]
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

func main() {
	keyID := "producer-1"
	if len(os.Args) > 1 {
		keyID = os.Args[1]
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		fmt.Fprintln(os.Stderr, "generate key:", err)
		os.Exit(1)
	}

	fmt.Printf("key id:      %s\n", keyID)
	fmt.Printf("seed (keep secret): %s\n", hex.EncodeToString(priv.Seed()))
	fmt.Printf("public key:  %s\n\n", hex.EncodeToString(pub))
	fmt.Println("ledgerd config:")
	fmt.Println("  signing:")
	fmt.Println("    producer_keys:")
	fmt.Printf("      %s: %q\n", keyID, hex.EncodeToString(pub))
}
